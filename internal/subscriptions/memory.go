package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

// MemoryRegistry keeps records in process memory with an absolute expiry
type MemoryRegistry struct {
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

type memoryEntry struct {
	rec       *models.SubscriptionRecord
	expiresAt time.Time
}

// NewMemoryRegistry creates an in-memory registry. A zero ttl uses DefaultTTL,
// a negative ttl disables expiry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryRegistry) expired(e memoryEntry) bool {
	return m.ttl > 0 && !m.now().Before(e.expiresAt)
}

// Get returns the record for id or ErrNotFound. Expired records are dropped.
func (m *MemoryRegistry) Get(_ context.Context, id string) (*models.SubscriptionRecord, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(e) {
		m.mu.Lock()
		if cur, ok := m.entries[id]; ok && m.expired(cur) {
			delete(m.entries, id)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return clone(e.rec), nil
}

// Save stores rec, resetting its expiry
func (m *MemoryRegistry) Save(_ context.Context, rec *models.SubscriptionRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.ID] = memoryEntry{rec: clone(rec), expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Delete removes the record for id
func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

// List returns live records ordered by ID and drops expired ones
func (m *MemoryRegistry) List(_ context.Context) ([]*models.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.SubscriptionRecord, 0, len(m.entries))
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			continue
		}
		out = append(out, clone(e.rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op
func (m *MemoryRegistry) Close() error {
	return nil
}
