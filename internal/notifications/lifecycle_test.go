package notifications

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/metrics"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLifecycle(t *testing.T, store *fakeStore, renewer *fakeRenewer, m *metrics.Metrics) *LifecycleHandler {
	t.Helper()
	h := NewLifecycleHandler(LifecycleConfig{
		Subscriptions: store,
		Renewer:       renewer,
		Metrics:       m,
		Logger:        zaptest.NewLogger(t),
	})
	h.now = func() time.Time { return fixedNow }
	return h
}

func lifecycleBatch(t *testing.T, value ...models.ChangeNotification) []byte {
	return batchBody(t, models.ChangeNotificationCollection{Value: value})
}

func TestLifecycle_Handshake(t *testing.T) {
	t.Parallel()
	renewer := &fakeRenewer{}
	h := newLifecycle(t, newFakeStore(), renewer, nil)

	res := h.Handle(context.Background(), "token-123", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "token-123", res.Echo)
	assert.Empty(t, renewer.calls)
}

func TestLifecycle_RenewsAppOnlySubscription(t *testing.T) {
	t.Parallel()
	store := newFakeStore(record("C", "s3", "APP-ONLY", "t1"))
	renewer := &fakeRenewer{}
	m := metrics.New()
	h := newLifecycle(t, store, renewer, m)

	res := h.Handle(context.Background(), "", lifecycleBatch(t, models.ChangeNotification{
		SubscriptionID: "C", ClientState: "s3", LifecycleEvent: "reauthorizationRequired",
	}))

	assert.Equal(t, http.StatusAccepted, res.Status)
	require.Len(t, renewer.calls, 1)
	call := renewer.calls[0]
	assert.Equal(t, "C", call.subscriptionID)
	assert.Equal(t, graph.Identity{TenantID: "t1", AppOnly: true}, call.id)
	assert.Equal(t, fixedNow.Add(time.Hour), call.expiresAt)

	require.Len(t, store.saved, 1)
	require.NotNil(t, store.saved[0].ExpiresAt)
	assert.Equal(t, fixedNow.Add(time.Hour), *store.saved[0].ExpiresAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Renewals.WithLabelValues("success")))
}

func TestLifecycle_RenewsDelegatedSubscription(t *testing.T) {
	t.Parallel()
	store := newFakeStore(record("A", "s1", "u1", "t1"))
	renewer := &fakeRenewer{}
	h := newLifecycle(t, store, renewer, nil)

	err := h.Process(context.Background(), models.ChangeNotification{
		SubscriptionID: "A", LifecycleEvent: "REAUTHORIZATIONREQUIRED",
	})
	require.NoError(t, err)
	require.Len(t, renewer.calls, 1)
	assert.Equal(t, graph.Identity{TenantID: "t1", UserID: "u1"}, renewer.calls[0].id)
}

func TestLifecycle_Skips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rec     *models.SubscriptionRecord
		n       models.ChangeNotification
		wantErr error
	}{
		{
			name:    "other lifecycle event",
			rec:     record("A", "s1", "u1", "t1"),
			n:       models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleSubscriptionRemoved},
			wantErr: ErrIgnoredLifecycleEvent,
		},
		{
			name:    "missed",
			rec:     record("A", "s1", "u1", "t1"),
			n:       models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleMissed},
			wantErr: ErrIgnoredLifecycleEvent,
		},
		{
			name:    "unknown subscription",
			rec:     record("A", "s1", "u1", "t1"),
			n:       models.ChangeNotification{SubscriptionID: "X", LifecycleEvent: models.LifecycleReauthorizationRequired},
			wantErr: ErrUnknownSubscription,
		},
		{
			name:    "client state mismatch",
			rec:     record("A", "s1", "u1", "t1"),
			n:       models.ChangeNotification{SubscriptionID: "A", ClientState: "nope", LifecycleEvent: models.LifecycleReauthorizationRequired},
			wantErr: ErrClientStateMismatch,
		},
		{
			name:    "missing user",
			rec:     record("A", "s1", "", "t1"),
			n:       models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleReauthorizationRequired},
			wantErr: graph.ErrIncompleteIdentity,
		},
		{
			name:    "missing tenant",
			rec:     record("A", "s1", "u1", ""),
			n:       models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleReauthorizationRequired},
			wantErr: graph.ErrIncompleteIdentity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tt.rec)
			renewer := &fakeRenewer{}
			h := newLifecycle(t, store, renewer, nil)

			err := h.Process(context.Background(), tt.n)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, renewer.calls)
			assert.Empty(t, store.saved)
		})
	}
}

func TestLifecycle_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	store := newFakeStore(record("A", "s1", "u1", "t1"), record("B", "s2", "APP-ONLY", "t1"))
	renewer := &fakeRenewer{errs: map[string]error{"A": errors.New("graph unavailable")}}
	m := metrics.New()
	h := newLifecycle(t, store, renewer, m)

	res := h.Handle(context.Background(), "", lifecycleBatch(t,
		models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleReauthorizationRequired},
		models.ChangeNotification{SubscriptionID: "B", LifecycleEvent: models.LifecycleReauthorizationRequired},
	))

	assert.Equal(t, http.StatusAccepted, res.Status)
	require.Len(t, renewer.calls, 2)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "B", store.saved[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Renewals.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Renewals.WithLabelValues("success")))
}

func TestLifecycle_SaveFailureStillRenews(t *testing.T) {
	t.Parallel()
	store := newFakeStore(record("A", "s1", "u1", "t1"))
	store.saveErr = errors.New("disk full")
	renewer := &fakeRenewer{}
	h := newLifecycle(t, store, renewer, nil)

	err := h.Process(context.Background(), models.ChangeNotification{SubscriptionID: "A", LifecycleEvent: models.LifecycleReauthorizationRequired})
	require.NoError(t, err)
	assert.Len(t, renewer.calls, 1)
}

func TestLifecycle_IgnoresChangeNotifications(t *testing.T) {
	t.Parallel()
	store := newFakeStore(record("A", "s1", "u1", "t1"))
	renewer := &fakeRenewer{}
	h := newLifecycle(t, store, renewer, nil)

	res := h.Handle(context.Background(), "", lifecycleBatch(t,
		models.ChangeNotification{SubscriptionID: "A", ClientState: "s1", Resource: "users/1/messages/1"},
	))
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Empty(t, renewer.calls)

	res = h.Handle(context.Background(), "", []byte("{"))
	assert.Equal(t, http.StatusAccepted, res.Status)
}
