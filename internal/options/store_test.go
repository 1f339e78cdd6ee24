package options

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newBackends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "options.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}

	if addr := os.Getenv("SEATKEEPER_TEST_REDIS_ADDR"); addr != "" {
		redis, err := NewRedisBackend(context.Background(), addr, 0, "seatkeeper_test_"+t.Name()+"_")
		require.NoError(t, err)
		require.NoError(t, redis.Delete(context.Background(), DefaultOptionName))
		t.Cleanup(func() { redis.Close() })
		backends["redis"] = redis
	}

	return backends
}

func TestStore_SetFlushReload(t *testing.T) {
	ctx := context.Background()

	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := Open(ctx, StoreConfig{Backend: backend, Scope: "abc123", Logger: zerolog.Nop()})
			require.NoError(t, err)

			var got sample
			found, err := s.Get(ctx, "sample", &got)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, "sample", sample{Name: "a", Count: 3}))
			assert.True(t, s.IsDirty())

			// a second store does not see unflushed writes
			other, err := Open(ctx, StoreConfig{Backend: backend, Scope: "abc123", Logger: zerolog.Nop()})
			require.NoError(t, err)
			found, err = other.Get(ctx, "sample", &got)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Flush(ctx))
			assert.False(t, s.IsDirty())

			require.NoError(t, other.Reload(ctx))
			found, err = other.Get(ctx, "sample", &got)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, sample{Name: "a", Count: 3}, got)
		})
	}
}

func TestStore_FlushWritesOnce(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: NewMemoryBackend()}
	s := NewStore(StoreConfig{Backend: backend, Scope: "abc", Logger: zerolog.Nop()})

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, backend.puts, "clean store should not write")

	require.NoError(t, s.SetMany(ctx, map[string]any{
		"record":    sample{Name: "r"},
		"signature": "deadbeef",
	}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, backend.puts)

	raw, err := backend.Get(ctx, DefaultOptionName)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, lastUpdatedKey)
	assert.Contains(t, doc, "abc")
}

func TestStore_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	a := NewStore(StoreConfig{Backend: backend, Scope: "install-a", Logger: zerolog.Nop()})
	b := NewStore(StoreConfig{Backend: backend, Scope: "install-b", Logger: zerolog.Nop()})

	require.NoError(t, a.Set(ctx, "device_id", "aaa"))
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, b.Set(ctx, "device_id", "bbb"))
	require.NoError(t, b.Flush(ctx))

	require.NoError(t, a.Reload(ctx))
	var got string
	found, err := a.Get(ctx, "device_id", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "aaa", got, "flush of another scope must not clobber this one")

	require.NoError(t, b.Reload(ctx))
	found, err = b.Get(ctx, "device_id", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "bbb", got)
}

func TestStore_ReloadDiscardsUnflushed(t *testing.T) {
	ctx := context.Background()
	s := NewStore(StoreConfig{Backend: NewMemoryBackend(), Scope: "x", Logger: zerolog.Nop()})

	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Reload(ctx))
	assert.False(t, s.IsDirty())

	var got string
	found, err := s.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewStore(StoreConfig{Backend: NewMemoryBackend(), Scope: "x", Logger: zerolog.Nop()})

	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.True(t, s.IsDirty())

	_, found, err := s.GetRaw(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_CorruptDataStartsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, DefaultOptionName, []byte("{not json")))

	s, err := Open(ctx, StoreConfig{Backend: backend, Scope: "x", Logger: zerolog.Nop()})
	require.NoError(t, err)

	var got string
	found, err := s.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_GetWrongShape(t *testing.T) {
	ctx := context.Background()
	s := NewStore(StoreConfig{Backend: NewMemoryBackend(), Scope: "x", Logger: zerolog.Nop()})
	require.NoError(t, s.Set(ctx, "k", "a string"))

	var got sample
	found, err := s.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Transients(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })

	s := NewStore(StoreConfig{Backend: backend, Scope: "x", Logger: zerolog.Nop()})

	require.NoError(t, s.SetTransient(ctx, "is_updating_license", "yes", 20*time.Second))
	val, ok, err := s.Transient(ctx, "is_updating_license")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "yes", val)

	now = now.Add(21 * time.Second)
	_, ok, err = s.Transient(ctx, "is_updating_license")
	require.NoError(t, err)
	assert.False(t, ok, "transient should expire")

	require.NoError(t, s.SetTransient(ctx, "lease", "yes", time.Minute))
	require.NoError(t, s.DeleteTransient(ctx, "lease"))
	_, ok, err = s.Transient(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBackend_Expiry(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "nested", "options.db"), zerolog.Nop())
	require.NoError(t, err)
	defer backend.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return now }

	require.NoError(t, backend.PutTTL(ctx, "lease", []byte("yes"), 20*time.Second))
	require.NoError(t, backend.Put(ctx, "permanent", []byte("v")))

	val, err := backend.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), val)

	now = now.Add(time.Minute)
	val, err = backend.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Nil(t, val)

	pruned, err := backend.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	val, err = backend.Get(ctx, "permanent")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, backend.Delete(ctx, "permanent"))
	val, err = backend.Get(ctx, "permanent")
	require.NoError(t, err)
	assert.Nil(t, val)
}

type countingBackend struct {
	Backend
	puts int
}

func (c *countingBackend) Put(ctx context.Context, key string, value []byte) error {
	c.puts++
	return c.Backend.Put(ctx, key, value)
}
