package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("ingest", schema.ConfigSchema{
		Properties: map[string]schema.PropertySchema{
			"batch_size": {Type: "int", Description: "Items per batch", Category: "simple", Minimum: intPtr(1)},
			"endpoint":   {Type: "string", Description: "Upstream endpoint URL", Category: "simple"},
			"api_token":  {Type: "string", Description: "Upstream API token", Secret: true},
			"debug":      {Type: "bool", Description: "Enable debug output"},
		},
		Required: []string{"endpoint"},
	}))
	require.NoError(t, registry.Register("router", schema.ConfigSchema{
		Properties: map[string]schema.PropertySchema{
			"max_routes": {Type: "int", Description: "Route table size limit"},
		},
	}))
	return registry
}

func intPtr(i int) *int { return &i }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "confhub.db"), testRegistry(t), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInitialize(t *testing.T) {
	s := openTestStore(t)
	assert.NotEmpty(t, s.Epoch())
	assert.Equal(t, ModeNormal, s.Mode())
	assert.Equal(t, DatabaseHealthy, s.DatabaseStatus())
	assert.Equal(t, int64(1), s.SchemaVersionNumber())
}

func TestStoreUpdateAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	config := map[string]any{"endpoint": "https://upstream.example", "batch_size": 50, "debug": true}
	version, err := s.Update(ctx, "ingest", config, 0, "operator")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	snap, err := s.Read(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, "ingest", snap.Service)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, s.Epoch(), snap.Epoch)
	assert.Equal(t, "https://upstream.example", snap.Config["endpoint"])
	assert.Equal(t, "operator", snap.UpdatedBy)
}

func TestStoreReadMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreOptimisticLocking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "ingest", map[string]any{"endpoint": "a"}, 0, "alice")
	require.NoError(t, err)

	// both writers read version 1; the second write must lose
	v2, err := s.Update(ctx, "ingest", map[string]any{"endpoint": "b"}, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "c"}, 1, "bob")
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	// stored state is the winner's, untouched by the losing write
	snap, err := s.Read(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, "b", snap.Config["endpoint"])
	assert.Equal(t, int64(2), snap.Version)
}

func TestStoreUpdateCreateConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "ingest", map[string]any{"endpoint": "a"}, 0, "alice")
	require.NoError(t, err)

	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "b"}, 0, "bob")
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
}

func TestStoreUpdateMissingService(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Update(context.Background(), "ghost", map[string]any{"x": 1}, 3, "alice")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreConfigItemsSyncWithSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "ingest", map[string]any{
		"endpoint":   "https://upstream.example",
		"batch_size": 50,
		"api_token":  "hunter2",
	}, 0, "alice")
	require.NoError(t, err)

	items, err := s.ListItems(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, items, 3)

	byKey := map[string]ConfigItem{}
	for _, item := range items {
		byKey[item.Key] = item
	}

	assert.Equal(t, "int", byKey["batch_size"].Type)
	assert.Equal(t, "simple", byKey["batch_size"].Category)
	assert.Equal(t, "50", byKey["batch_size"].Value)

	// secret values never land in the index
	assert.True(t, byKey["api_token"].Secret)
	assert.Equal(t, "[REDACTED]", byKey["api_token"].Value)

	// removing a key from the snapshot removes its index row
	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "https://upstream.example"}, 1, "alice")
	require.NoError(t, err)
	items, err = s.ListItems(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "endpoint", items[0].Key)
}

func TestStoreReadAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "router", map[string]any{"max_routes": 100}, 0, "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "x"}, 0, "alice")
	require.NoError(t, err)

	snaps, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "ingest", snaps[0].Service)
	assert.Equal(t, "router", snaps[1].Service)
}

func TestStoreSchemaHashMismatchEntersReadOnly(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "confhub.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	s, err := Open(dbPath, testRegistry(t), logger)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "x"}, 0, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopen with a changed schema definition
	changed := schema.NewRegistry()
	require.NoError(t, changed.Register("ingest", schema.ConfigSchema{
		Properties: map[string]schema.PropertySchema{
			"endpoint": {Type: "string", Description: "renamed semantics"},
		},
	}))
	s2, err := Open(dbPath, changed, logger)
	require.NoError(t, err)
	defer s2.Close()

	err = s2.Initialize(ctx)
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	assert.Equal(t, ModeReadOnlyFallback, s2.Mode())
	assert.Equal(t, DatabaseSchemaMismatch, s2.DatabaseStatus())

	// reads keep working, writes are rejected
	snap, err := s2.Read(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, "x", snap.Config["endpoint"])

	_, err = s2.Update(ctx, "ingest", map[string]any{"endpoint": "y"}, 1, "alice")
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
}

func TestStoreRebuild(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "confhub.db")
	s, err := Open(dbPath, testRegistry(t), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	_, err = s.Update(ctx, "ingest", map[string]any{"endpoint": "x"}, 0, "alice")
	require.NoError(t, err)
	oldEpoch := s.Epoch()

	newEpoch, err := s.Rebuild(ctx, "admin")
	require.NoError(t, err)
	assert.NotEqual(t, oldEpoch, newEpoch)
	assert.Equal(t, newEpoch, s.Epoch())
	assert.Equal(t, ModeNormal, s.Mode())
	assert.Equal(t, int64(2), s.SchemaVersionNumber())

	// config data is gone
	_, err = s.Read(ctx, "ingest")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	items, err := s.ListItems(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, items)

	// tombstone records the transition
	data, err := os.ReadFile(filepath.Join(dir, TombstoneFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), oldEpoch)
	assert.Contains(t, string(data), newEpoch)

	// epoch sidecar carries the new generation
	data, err = os.ReadFile(filepath.Join(dir, EpochFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), newEpoch)

	// epoch metadata tracks the bumped schema version
	meta, err := s.epochMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, newEpoch, meta.Epoch)
	assert.Equal(t, int64(2), meta.SchemaVersion)
}

func TestStoreRebuildClearsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "confhub.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	s, err := Open(dbPath, testRegistry(t), logger)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Close())

	changed := schema.NewRegistry()
	require.NoError(t, changed.Register("ingest", schema.ConfigSchema{
		Properties: map[string]schema.PropertySchema{"endpoint": {Type: "string"}},
	}))
	s2, err := Open(dbPath, changed, logger)
	require.NoError(t, err)
	defer s2.Close()
	require.ErrorIs(t, s2.Initialize(ctx), errors.ErrSchemaMismatch)

	_, err = s2.Rebuild(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, s2.Mode())

	hash, err := changed.Hash()
	require.NoError(t, err)
	assert.NoError(t, s2.ValidateSchema(ctx, hash))

	_, err = s2.Update(ctx, "ingest", map[string]any{"endpoint": "y"}, 0, "alice")
	assert.NoError(t, err)
}

func TestStoreSearchRanking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "ingest", map[string]any{
		"endpoint":   "https://upstream.example",
		"batch_size": 10,
	}, 0, "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, "router", map[string]any{"max_routes": 5}, 0, "alice")
	require.NoError(t, err)

	tests := []struct {
		name      string
		query     string
		wantKeys  []string
		wantRanks []int
	}{
		{
			name:      "exact key beats substring",
			query:     "endpoint",
			wantKeys:  []string{"endpoint"},
			wantRanks: []int{RankExactKey},
		},
		{
			name:      "prefix match",
			query:     "batch",
			wantKeys:  []string{"batch_size"},
			wantRanks: []int{RankKeyPrefix},
		},
		{
			name:      "substring match",
			query:     "size",
			wantKeys:  []string{"batch_size", "max_routes"},
			wantRanks: []int{RankKeySubstring, RankDescSubstring},
		},
		{
			name:      "description only",
			query:     "route table",
			wantKeys:  []string{"max_routes"},
			wantRanks: []int{RankDescSubstring},
		},
		{
			name:     "no match",
			query:    "zzz",
			wantKeys: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Search(ctx, tt.query, "", "")
			require.NoError(t, err)
			require.Len(t, results, len(tt.wantKeys))
			for i, key := range tt.wantKeys {
				assert.Equal(t, key, results[i].Item.Key)
				assert.Equal(t, tt.wantRanks[i], results[i].Rank)
			}
		})
	}
}

func TestStoreSearchTieBreaksByServiceThenKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "router", map[string]any{"max_routes": 1}, 0, "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, "ingest", map[string]any{"batch_size": 1, "endpoint": "x"}, 0, "alice")
	require.NoError(t, err)

	results, err := s.Search(ctx, "max", "", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "router", results[0].Item.Service)
}

func TestStoreSearchFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "ingest", map[string]any{"endpoint": "x", "batch_size": 1}, 0, "alice")
	require.NoError(t, err)
	_, err = s.Update(ctx, "router", map[string]any{"max_routes": 1}, 0, "alice")
	require.NoError(t, err)

	// service filter excludes hits from other services
	results, err := s.Search(ctx, "s", "ingest", "")
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "ingest", r.Item.Service)
	}

	// category filter keeps only simple-tier keys
	results, err = s.Search(ctx, "s", "", "simple")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "simple", r.Item.Category)
	}
}

func TestStoreSecretsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keys, err := crypto.LoadOrCreateKeySet(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.StoreSecret(ctx, "ingest", "api_token", []byte("hunter2"), keys))

	plaintext, err := s.RetrieveSecret(ctx, "ingest", "api_token", keys)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)

	// the rotation contract sees the ciphertext, never the plaintext
	records, err := s.ListEncryptedSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotContains(t, string(records[0].Ciphertext), "hunter2")
	_, keyID := keys.MasterKey()
	assert.Equal(t, keyID, records[0].KeyID)

	require.NoError(t, s.DeleteSecret(ctx, "ingest", "api_token"))
	_, err = s.RetrieveSecret(ctx, "ingest", "api_token", keys)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreSecretRotationViaStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	keyDir := t.TempDir()

	keys, err := crypto.LoadOrCreateKeySet(keyDir)
	require.NoError(t, err)
	require.NoError(t, s.StoreSecret(ctx, "ingest", "api_token", []byte("hunter2"), keys))
	_, oldID := keys.MasterKey()

	rotator := crypto.NewRotator(keys, s, keyDir, slog.Default())
	require.NoError(t, rotator.Rotate(ctx, time.Hour))

	records, err := s.ListEncryptedSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, oldID, records[0].KeyID)

	plaintext, err := s.RetrieveSecret(ctx, "ingest", "api_token", keys)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)
}

func TestStoreAccessLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAccessLog(ctx, AccessLogEntry{
		Principal: "alice", Action: "update", Service: "ingest", Success: true,
	}))
	require.NoError(t, s.AppendAccessLog(ctx, AccessLogEntry{
		Principal: "bob", Action: "update", Service: "ingest", Success: false, Reason: "missing write role",
	}))

	entries, err := s.ListAccessLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
	}
}

func TestStoreProfileCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	profile := Profile{
		Name:        "load-test",
		Description: "High-throughput settings",
		Services: map[string]map[string]any{
			"ingest": {"endpoint": "https://load.example", "batch_size": float64(500)},
			"router": {"max_routes": float64(1000)},
		},
		CreatedBy: "alice",
		UpdatedBy: "alice",
	}
	require.NoError(t, s.SaveProfile(ctx, profile))

	got, err := s.GetProfile(ctx, "load-test")
	require.NoError(t, err)
	assert.Equal(t, profile.Services, got.Services)
	assert.Equal(t, "alice", got.CreatedBy)

	profiles, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	require.NoError(t, s.DeleteProfile(ctx, "load-test"))
	_, err = s.GetProfile(ctx, "load-test")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteProfile(ctx, "load-test"), errors.ErrNotFound)
}
