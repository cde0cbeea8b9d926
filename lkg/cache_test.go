package lkg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cache, err := NewCache(filepath.Join(t.TempDir(), "confhub.lkg.json"), key, nil)
	require.NoError(t, err)
	return cache
}

func testSnapshots() []Snapshot {
	return []Snapshot{
		{Service: "ingest", Config: map[string]any{"endpoint": "https://upstream.example", "batch_size": float64(50)}, Version: 3},
		{Service: "router", Config: map[string]any{"max_routes": float64(100)}, Version: 1},
	}
}

func TestCacheRefreshLoadRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))

	payload, err := cache.Load()
	require.NoError(t, err)
	assert.Equal(t, "epoch-1", payload.Epoch)
	require.Len(t, payload.Snapshots, 2)
	assert.Equal(t, int64(3), payload.Snapshots["ingest"].Version)
	assert.Equal(t, "https://upstream.example", payload.Snapshots["ingest"].Config["endpoint"])
	assert.WithinDuration(t, time.Now(), payload.SavedAt, 5*time.Second)
	assert.True(t, cache.Valid())
}

func TestCacheGet(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))

	snap, err := cache.Get("router")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	_, err = cache.Get("ghost")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCacheLoadMissing(t *testing.T) {
	cache := newTestCache(t)
	_, err := cache.Load()
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.False(t, cache.Valid())
}

func TestCacheTamperDetection(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))

	tests := []struct {
		name   string
		mutate func(payload map[string]any)
	}{
		{"modified config value", func(p map[string]any) {
			snapshots := p["snapshots"].(map[string]any)
			ingest := snapshots["ingest"].(map[string]any)
			ingest["config"].(map[string]any)["endpoint"] = "https://evil.example"
		}},
		{"modified version", func(p map[string]any) {
			snapshots := p["snapshots"].(map[string]any)
			snapshots["ingest"].(map[string]any)["version"] = float64(99)
		}},
		{"modified epoch", func(p map[string]any) { p["epoch"] = "epoch-2" }},
		{"stripped signature", func(p map[string]any) { p["signature"] = "" }},
		{"garbage signature", func(p map[string]any) { p["signature"] = "zzzz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original, err := os.ReadFile(cache.Path())
			require.NoError(t, err)
			var raw map[string]any
			require.NoError(t, json.Unmarshal(original, &raw))

			tt.mutate(raw)
			mutated, err := json.Marshal(raw)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(cache.Path(), mutated, 0o600))

			_, err = cache.Load()
			assert.ErrorIs(t, err, errors.ErrTamperedCache)
			assert.False(t, cache.Valid())

			// restore for the next case
			require.NoError(t, os.WriteFile(cache.Path(), original, 0o600))
		})
	}
}

func TestCacheCorruptFile(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, os.WriteFile(cache.Path(), []byte("not json"), 0o600))

	_, err := cache.Load()
	assert.ErrorIs(t, err, errors.ErrTamperedCache)
}

func TestCacheWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "confhub.lkg.json")
	key1, err := crypto.GenerateKey()
	require.NoError(t, err)
	key2, err := crypto.GenerateKey()
	require.NoError(t, err)

	writer, err := NewCache(path, key1, nil)
	require.NoError(t, err)
	require.NoError(t, writer.RefreshFromStore(testSnapshots(), "epoch-1"))

	reader, err := NewCache(path, key2, nil)
	require.NoError(t, err)
	_, err = reader.Load()
	assert.ErrorIs(t, err, errors.ErrTamperedCache)
}

func TestCacheRefreshReplacesPrevious(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))
	require.NoError(t, cache.RefreshFromStore([]Snapshot{
		{Service: "ingest", Config: map[string]any{"endpoint": "y"}, Version: 4},
	}, "epoch-1"))

	payload, err := cache.Load()
	require.NoError(t, err)
	require.Len(t, payload.Snapshots, 1)
	assert.Equal(t, int64(4), payload.Snapshots["ingest"].Version)
}

func TestCacheInvalidateAndAge(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))

	age, err := cache.Age()
	require.NoError(t, err)
	assert.Less(t, age, time.Minute)

	require.NoError(t, cache.Invalidate())
	_, err = cache.Load()
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// invalidating an absent cache is not an error
	assert.NoError(t, cache.Invalidate())
}

func TestCacheFilePermissions(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.RefreshFromStore(testSnapshots(), "epoch-1"))

	info, err := os.Stat(cache.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
