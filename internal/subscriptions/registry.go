// Package subscriptions tracks the Graph subscriptions this service created,
// keyed by subscription ID.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

var (
	// ErrNotFound is returned when no record exists for a subscription ID
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidRecord is returned when a record cannot be stored
	ErrInvalidRecord = errors.New("invalid subscription record")
)

// DefaultTTL is how long the in-memory registry keeps a record
const DefaultTTL = 2 * time.Hour

// Registry stores subscription records. Implementations are safe for
// concurrent use.
type Registry interface {
	Get(ctx context.Context, id string) (*models.SubscriptionRecord, error)
	Save(ctx context.Context, rec *models.SubscriptionRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.SubscriptionRecord, error)
	Close() error
}

// Options selects and configures a registry backend
type Options struct {
	Kind          string
	TTL           time.Duration
	DataDir       string
	SQLiteDriver  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open creates the registry named by opts.Kind: memory, sqlite or redis
func Open(ctx context.Context, opts Options) (Registry, error) {
	switch strings.ToLower(opts.Kind) {
	case "", "memory":
		return NewMemoryRegistry(opts.TTL), nil
	case "sqlite":
		return NewSQLiteRegistry(opts.DataDir, opts.SQLiteDriver)
	case "redis":
		return NewRedisRegistry(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			TTL:      opts.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown subscription store %q", opts.Kind)
	}
}

func validate(rec *models.SubscriptionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	return nil
}

func clone(rec *models.SubscriptionRecord) *models.SubscriptionRecord {
	c := *rec
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
