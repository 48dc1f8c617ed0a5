package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ParleSec/GraphWebhooks/internal/crypto"
	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/metrics"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

// DispatcherConfig wires a Dispatcher to its collaborators. Lifecycle and
// Metrics are optional.
type DispatcherConfig struct {
	Subscriptions SubscriptionStore
	Tokens        TokenAuthenticator
	Fetcher       ResourceFetcher
	Certificates  crypto.CertificateProvider
	Broadcaster   Broadcaster
	Lifecycle     *LifecycleHandler
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Dispatcher processes notification batches posted to the listen endpoint
type Dispatcher struct {
	subscriptions SubscriptionStore
	tokens        TokenAuthenticator
	fetcher       ResourceFetcher
	certs         crypto.CertificateProvider
	sink          Broadcaster
	lifecycle     *LifecycleHandler
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscriptions: cfg.Subscriptions,
		tokens:        cfg.Tokens,
		fetcher:       cfg.Fetcher,
		certs:         cfg.Certificates,
		sink:          cfg.Broadcaster,
		lifecycle:     cfg.Lifecycle,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// trusted pairs a notification with the record that vouches for it
type trusted struct {
	n   models.ChangeNotification
	rec *models.SubscriptionRecord
}

// byResource keeps the last trusted notification per resource in the
// order resources were first seen
type byResource struct {
	order  []string
	latest map[string]trusted
}

func newByResource() *byResource {
	return &byResource{latest: make(map[string]trusted)}
}

func (b *byResource) put(t trusted) {
	if _, seen := b.latest[t.n.Resource]; !seen {
		b.order = append(b.order, t.n.Resource)
	}
	b.latest[t.n.Resource] = t
}

func (b *byResource) each(fn func(trusted) bool) {
	for _, resource := range b.order {
		if !fn(b.latest[resource]) {
			return
		}
	}
}

// Handle answers a validation handshake or processes a notification batch.
// Tokens are checked before any resource is fetched or decrypted: a batch
// with invalid tokens is rejected as a whole with 401.
func (d *Dispatcher) Handle(ctx context.Context, validationToken string, body []byte) Result {
	if validationToken != "" {
		d.logger.Info("answering validation handshake")
		return handshake(validationToken)
	}

	batch, err := parseCollection(body)
	if err != nil {
		d.logger.Warn("failed to parse notification batch", zap.Error(err))
		return accepted(nil)
	}
	if len(batch.Value) == 0 {
		return accepted(nil)
	}

	valid, err := d.tokens.AreValid(ctx, batch.ValidationTokens, batch.HasEncryptedContent())
	if err != nil {
		d.logger.Error("could not validate notification tokens", zap.Error(err))
		d.countToken("error")
		return Result{Status: http.StatusServiceUnavailable}
	}
	if !valid {
		d.logger.Warn("rejecting notification batch with invalid validation tokens",
			zap.Int("tokens", len(batch.ValidationTokens)),
			zap.Int("notifications", len(batch.Value)),
		)
		d.countToken("invalid")
		return Result{Status: http.StatusUnauthorized}
	}
	if len(batch.ValidationTokens) > 0 {
		d.countToken("valid")
	}

	plain := newByResource()
	encrypted := newByResource()
	for _, n := range batch.Value {
		if n.IsLifecycle() {
			d.count("listen", "lifecycle")
			d.routeLifecycle(ctx, n)
			continue
		}

		if n.EncryptedContent != nil {
			d.count("listen", "encrypted")
		} else {
			d.count("listen", "plain")
		}

		rec, err := d.verify(ctx, n)
		if err != nil {
			continue
		}
		if n.EncryptedContent != nil {
			encrypted.put(trusted{n: n, rec: rec})
		} else {
			plain.put(trusted{n: n, rec: rec})
		}
	}

	events := d.fetchAll(ctx, plain)

	decrypted, err := d.decryptAll(ctx, encrypted)
	if err != nil {
		d.logger.Error("dropping encrypted notifications", zap.Error(err))
		if d.metrics != nil {
			d.metrics.DecryptFailures.Inc()
		}
	} else {
		events = append(events, decrypted...)
	}

	if len(events) > 0 {
		if err := d.sink.Send(ctx, events); err != nil {
			d.logger.Error("failed to broadcast notifications", zap.Int("events", len(events)), zap.Error(err))
		} else if d.metrics != nil {
			d.metrics.EventsBroadcast.Add(float64(len(events)))
		}
	}

	return accepted(events)
}

// verify looks up the subscription and checks the client state. Misses
// are expected under normal churn and only logged at debug level.
func (d *Dispatcher) verify(ctx context.Context, n models.ChangeNotification) (*models.SubscriptionRecord, error) {
	rec, err := d.subscriptions.Get(ctx, n.SubscriptionID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		d.logger.Debug("notification for unknown subscription", zap.String("subscription_id", n.SubscriptionID))
		d.drop(metrics.ReasonUnknownSubscription)
		return nil, ErrUnknownSubscription
	}
	if err != nil {
		d.logger.Warn("subscription lookup failed", zap.String("subscription_id", n.SubscriptionID), zap.Error(err))
		d.drop(metrics.ReasonUnknownSubscription)
		return nil, err
	}
	if !clientStateMatches(n.ClientState, rec.ClientState) {
		d.logger.Debug("client state mismatch", zap.String("subscription_id", n.SubscriptionID))
		d.drop(metrics.ReasonClientState)
		return nil, ErrClientStateMismatch
	}
	return rec, nil
}

// fetchAll reads each unique resource as its subscription owner. Failures
// skip the resource.
func (d *Dispatcher) fetchAll(ctx context.Context, batch *byResource) []models.DisplayEvent {
	var events []models.DisplayEvent
	batch.each(func(t trusted) bool {
		if err := ctx.Err(); err != nil {
			d.logger.Warn("notification processing cancelled", zap.Error(err))
			return false
		}

		id, err := graph.IdentityFor(t.rec)
		if err != nil {
			d.logger.Warn("cannot act for subscription owner",
				zap.String("subscription_id", t.rec.ID),
				zap.Error(err),
			)
			d.drop(metrics.ReasonIncompleteIdentity)
			return true
		}

		res, err := d.fetcher.FetchResource(ctx, t.n.Resource, id)
		if err != nil {
			d.logger.Warn("failed to fetch resource",
				zap.String("subscription_id", t.rec.ID),
				zap.String("resource", t.n.Resource),
				zap.Error(err),
			)
			if d.metrics != nil {
				d.metrics.ResourceFetchFailures.Inc()
			}
			return true
		}

		events = append(events, newDisplayEvent(t.n, res.Body, res.ODataType, d.now()))
		return true
	})
	return events
}

// decryptAll decrypts every encrypted notification. Any failure rejects
// the whole encrypted subset.
func (d *Dispatcher) decryptAll(ctx context.Context, batch *byResource) ([]models.DisplayEvent, error) {
	if len(batch.order) == 0 {
		return nil, nil
	}

	cert, err := d.certs.DecryptionCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load decryption certificate: %w", err)
	}

	var events []models.DisplayEvent
	batch.each(func(t trusted) bool {
		content := t.n.EncryptedContent
		if !cert.Matches(content.EncryptionCertificateID, content.EncryptionCertificateThumbprint) {
			err = fmt.Errorf("%w: subscription %s certificate %s",
				crypto.ErrCertificateMismatch, t.n.SubscriptionID, content.EncryptionCertificateID)
			return false
		}

		var plaintext []byte
		plaintext, err = crypto.Decrypt(content.Data, content.DataKey, content.DataSignature, cert)
		if err != nil {
			err = fmt.Errorf("subscription %s certificate %s: %w",
				t.n.SubscriptionID, content.EncryptionCertificateID, err)
			return false
		}

		events = append(events, newDisplayEvent(t.n, plaintext, "", d.now()))
		return true
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Dispatcher) routeLifecycle(ctx context.Context, n models.ChangeNotification) {
	if d.lifecycle == nil {
		d.logger.Info("ignoring lifecycle notification on listen endpoint",
			zap.String("subscription_id", n.SubscriptionID),
			zap.String("lifecycle_event", n.LifecycleEvent),
		)
		return
	}
	d.lifecycle.process(ctx, n)
}

func (d *Dispatcher) count(endpoint, kind string) {
	if d.metrics != nil {
		d.metrics.NotificationsReceived.WithLabelValues(endpoint, kind).Inc()
	}
}

func (d *Dispatcher) drop(reason string) {
	if d.metrics != nil {
		d.metrics.NotificationsDropped.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) countToken(result string) {
	if d.metrics != nil {
		d.metrics.TokenValidations.WithLabelValues(result).Inc()
	}
}
