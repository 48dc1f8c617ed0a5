package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()

	sqliteReg, err := NewSQLiteRegistry(t.TempDir(), "sqlite")
	require.NoError(t, err)
	cgoReg, err := NewSQLiteRegistry(t.TempDir(), "sqlite3")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisReg, err := NewRedisRegistry(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)

	regs := map[string]Registry{
		"memory":  NewMemoryRegistry(0),
		"sqlite":  sqliteReg,
		"sqlite3": cgoReg,
		"redis":   redisReg,
	}
	t.Cleanup(func() {
		for _, r := range regs {
			r.Close()
		}
	})
	return regs
}

func TestRegistry_SaveGetDelete(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

			rec := &models.SubscriptionRecord{
				ID:          "sub-1",
				ClientState: "s1",
				UserID:      "u1",
				TenantID:    "t1",
				Resource:    "users/u1/messages",
				ExpiresAt:   &expires,
			}
			require.NoError(t, reg.Save(ctx, rec))

			got, err := reg.Get(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, "s1", got.ClientState)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, "t1", got.TenantID)
			assert.Equal(t, "users/u1/messages", got.Resource)
			require.NotNil(t, got.ExpiresAt)
			assert.True(t, expires.Equal(*got.ExpiresAt))

			rec.ClientState = "s2"
			require.NoError(t, reg.Save(ctx, rec))
			got, err = reg.Get(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, "s2", got.ClientState)

			require.NoError(t, reg.Save(ctx, &models.SubscriptionRecord{ID: "sub-0", ClientState: "x"}))
			list, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "sub-0", list[0].ID)
			assert.Equal(t, "sub-1", list[1].ID)

			require.NoError(t, reg.Delete(ctx, "sub-1"))
			_, err = reg.Get(ctx, "sub-1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, reg.Delete(ctx, "sub-1"), ErrNotFound)
		})
	}
}

func TestRegistry_UnknownID(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Get(context.Background(), "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			err := reg.Save(context.Background(), &models.SubscriptionRecord{ClientState: "x"})
			require.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestMemoryRegistry_Expiry(t *testing.T) {
	t.Parallel()
	reg := NewMemoryRegistry(time.Hour)
	now := time.Now()
	reg.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, reg.Save(ctx, &models.SubscriptionRecord{ID: "a", ClientState: "s"}))

	now = now.Add(59 * time.Minute)
	_, err := reg.Get(ctx, "a")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = reg.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
	reg.mu.RLock()
	assert.NotContains(t, reg.entries, "a", "expired records are dropped on read")
	reg.mu.RUnlock()

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	t.Parallel()
	reg := NewMemoryRegistry(0)
	ctx := context.Background()

	rec := &models.SubscriptionRecord{ID: "a", ClientState: "s"}
	require.NoError(t, reg.Save(ctx, rec))
	rec.ClientState = "mutated"

	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "s", got.ClientState)
}

func TestMemoryRegistry_Concurrent(t *testing.T) {
	t.Parallel()
	reg := NewMemoryRegistry(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%10))
			_ = reg.Save(ctx, &models.SubscriptionRecord{ID: id, ClientState: "s"})
			_, _ = reg.Get(ctx, id)
			_, _ = reg.List(ctx)
		}(i)
	}
	wg.Wait()

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg, err := Open(ctx, Options{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRegistry{}, reg)

	reg, err = Open(ctx, Options{Kind: "sqlite", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteRegistry{}, reg)
	require.NoError(t, reg.Close())

	_, err = Open(ctx, Options{Kind: "sqlite", DataDir: t.TempDir(), SQLiteDriver: "postgres"})
	require.Error(t, err)

	_, err = Open(ctx, Options{Kind: "cosmos"})
	require.Error(t, err)

	_, err = Open(ctx, Options{Kind: "redis"})
	require.Error(t, err)
}
