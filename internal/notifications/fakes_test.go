package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/ParleSec/GraphWebhooks/internal/crypto"
	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.SubscriptionRecord
	saved   []*models.SubscriptionRecord
	getErr  error
	saveErr error
}

var _ SubscriptionStore = (*fakeStore)(nil)

func newFakeStore(recs ...*models.SubscriptionRecord) *fakeStore {
	s := &fakeStore{records: make(map[string]*models.SubscriptionRecord)}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, subscriptions.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *fakeStore) Save(_ context.Context, rec *models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return s.saveErr
}

type fakeTokens struct {
	valid       bool
	err         error
	calls       int
	gotTokens   []string
	gotRequired bool
}

var _ TokenAuthenticator = (*fakeTokens)(nil)

func (f *fakeTokens) AreValid(_ context.Context, tokens []string, requireTokens bool) (bool, error) {
	f.calls++
	f.gotTokens, f.gotRequired = tokens, requireTokens
	return f.valid, f.err
}

type fetchCall struct {
	resource string
	id       graph.Identity
}

type fakeFetcher struct {
	bodies map[string]string
	errs   map[string]error
	calls  []fetchCall
}

var _ ResourceFetcher = (*fakeFetcher)(nil)

func (f *fakeFetcher) FetchResource(_ context.Context, resource string, id graph.Identity) (*graph.Resource, error) {
	f.calls = append(f.calls, fetchCall{resource: resource, id: id})
	if err := f.errs[resource]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[resource]
	if !ok {
		body = `{}`
	}
	return &graph.Resource{Path: resource, Body: []byte(body)}, nil
}

type fakeSink struct {
	batches [][]models.DisplayEvent
	err     error
}

var _ Broadcaster = (*fakeSink)(nil)

func (f *fakeSink) Send(_ context.Context, events []models.DisplayEvent) error {
	f.batches = append(f.batches, events)
	return f.err
}

type fakeCerts struct {
	cert *crypto.Certificate
	err  error
}

var _ crypto.CertificateProvider = (*fakeCerts)(nil)

func (f *fakeCerts) DecryptionCertificate(context.Context) (*crypto.Certificate, error) {
	return f.cert, f.err
}

func (f *fakeCerts) EncryptionCertificate(context.Context) (*crypto.Certificate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cert.Public(), nil
}

type renewCall struct {
	subscriptionID string
	id             graph.Identity
	expiresAt      time.Time
}

type fakeRenewer struct {
	errs  map[string]error
	calls []renewCall
}

var _ Renewer = (*fakeRenewer)(nil)

func (f *fakeRenewer) Renew(_ context.Context, subscriptionID string, id graph.Identity, expiresAt time.Time) error {
	f.calls = append(f.calls, renewCall{subscriptionID: subscriptionID, id: id, expiresAt: expiresAt})
	return f.errs[subscriptionID]
}
