package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/metrics"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

// DefaultRenewalPeriod is how far a renewal pushes the expiration out
const DefaultRenewalPeriod = time.Hour

// ErrIgnoredLifecycleEvent is returned for lifecycle events that need no action
var ErrIgnoredLifecycleEvent = errors.New("lifecycle event ignored")

// LifecycleConfig wires a LifecycleHandler
type LifecycleConfig struct {
	Subscriptions SubscriptionStore
	Renewer       Renewer
	RenewalPeriod time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// LifecycleHandler renews subscriptions when Graph asks for reauthorization
type LifecycleHandler struct {
	subscriptions SubscriptionStore
	renewer       Renewer
	period        time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewLifecycleHandler creates a lifecycle handler
func NewLifecycleHandler(cfg LifecycleConfig) *LifecycleHandler {
	period := cfg.RenewalPeriod
	if period <= 0 {
		period = DefaultRenewalPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleHandler{
		subscriptions: cfg.Subscriptions,
		renewer:       cfg.Renewer,
		period:        period,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// Handle answers a validation handshake or processes each lifecycle
// notification in the batch. Failures are logged and never change the
// 202 response.
func (h *LifecycleHandler) Handle(ctx context.Context, validationToken string, body []byte) Result {
	if validationToken != "" {
		h.logger.Info("answering lifecycle validation handshake")
		return handshake(validationToken)
	}

	batch, err := parseCollection(body)
	if err != nil {
		h.logger.Warn("failed to parse lifecycle batch", zap.Error(err))
		return accepted(nil)
	}

	for _, n := range batch.Value {
		if !n.IsLifecycle() {
			h.logger.Debug("skipping non-lifecycle notification", zap.String("subscription_id", n.SubscriptionID))
			continue
		}
		if h.metrics != nil {
			h.metrics.NotificationsReceived.WithLabelValues("lifecycle", "lifecycle").Inc()
		}
		h.process(ctx, n)
	}
	return accepted(nil)
}

// process runs Process and logs its outcome
func (h *LifecycleHandler) process(ctx context.Context, n models.ChangeNotification) {
	fields := []zap.Field{
		zap.String("subscription_id", n.SubscriptionID),
		zap.String("lifecycle_event", n.LifecycleEvent),
	}

	err := h.Process(ctx, n)
	switch {
	case err == nil:
		h.logger.Info("subscription renewed", fields...)
	case errors.Is(err, ErrIgnoredLifecycleEvent):
		h.logger.Info("lifecycle event requires no action", fields...)
	case errors.Is(err, ErrUnknownSubscription),
		errors.Is(err, ErrClientStateMismatch),
		errors.Is(err, graph.ErrIncompleteIdentity):
		h.logger.Info("skipping lifecycle event", append(fields, zap.Error(err))...)
	default:
		h.logger.Error("failed to renew subscription", append(fields, zap.Error(err))...)
	}
}

// Process acts on a single lifecycle notification. Only
// reauthorizationRequired triggers a renewal; other events return
// ErrIgnoredLifecycleEvent.
func (h *LifecycleHandler) Process(ctx context.Context, n models.ChangeNotification) error {
	if !strings.EqualFold(n.LifecycleEvent, models.LifecycleReauthorizationRequired) {
		return fmt.Errorf("%w: %s", ErrIgnoredLifecycleEvent, n.LifecycleEvent)
	}

	rec, err := h.subscriptions.Get(ctx, n.SubscriptionID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, n.SubscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", n.SubscriptionID, err)
	}
	if n.ClientState != "" && !clientStateMatches(n.ClientState, rec.ClientState) {
		return ErrClientStateMismatch
	}

	id, err := graph.IdentityFor(rec)
	if err != nil {
		return err
	}

	expiresAt := h.now().Add(h.period).UTC()
	if err := h.renewer.Renew(ctx, n.SubscriptionID, id, expiresAt); err != nil {
		h.countRenewal("failure")
		return err
	}
	h.countRenewal("success")

	rec.ExpiresAt = &expiresAt
	if err := h.subscriptions.Save(ctx, rec); err != nil {
		h.logger.Warn("failed to record renewed expiration",
			zap.String("subscription_id", rec.ID),
			zap.Error(err),
		)
	}
	return nil
}

func (h *LifecycleHandler) countRenewal(result string) {
	if h.metrics != nil {
		h.metrics.Renewals.WithLabelValues(result).Inc()
	}
}
