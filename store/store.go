// Package store implements the persistent configuration store: atomic
// per-service snapshots with optimistic locking, a denormalized search index,
// schema-compatibility tracking, epoch management, and encrypted-secret
// storage, all backed by a single SQLite database in WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/schema"
)

// TombstoneFile is written next to the database when an explicit rebuild
// occurs, recording the epoch transition.
const TombstoneFile = "rebuild.tombstone"

// EpochFile mirrors the current epoch metadata next to the database so
// operators can identify the store generation without opening it.
const EpochFile = "epoch.json"

// Store owns the configuration database exclusively; no other component
// opens the file directly.
type Store struct {
	db       *sql.DB
	dbPath   string
	registry *schema.Registry
	logger   *slog.Logger

	mu            sync.RWMutex
	epoch         string
	schemaVersion int64
	mode          OperationalMode
	dbStatus      DatabaseStatus
}

// Open opens (or creates) the database at dbPath and runs migrations. It does
// not validate schema compatibility; call Initialize for that.
func Open(dbPath string, registry *schema.Registry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "store", "Open", "open database")
	}

	// WAL keeps readers unblocked by the single writer. The short busy
	// timeout makes a locked file fail the single call promptly so callers
	// can fall back instead of hanging.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 1000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "store", "Open", "apply pragma")
		}
	}

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		registry: registry,
		logger:   logger,
		mode:     ModeNormal,
		dbStatus: DatabaseHealthy,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS service_snapshots (
		service TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		epoch TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		updated_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_items (
		service TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'advanced',
		description TEXT NOT NULL DEFAULT '',
		secret BOOLEAN NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		updated_by TEXT NOT NULL,
		PRIMARY KEY (service, key)
	);
	CREATE INDEX IF NOT EXISTS idx_config_items_key ON config_items(key);

	CREATE TABLE IF NOT EXISTS schema_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		model_hash TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS epoch_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		epoch TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		rebuilt_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS encrypted_secrets (
		service TEXT NOT NULL,
		key TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		key_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (service, key)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		services TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		updated_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_log (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		action TEXT NOT NULL,
		service TEXT,
		key TEXT,
		success BOOLEAN NOT NULL,
		reason TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_log_timestamp ON access_log(timestamp);
	`

	if _, err := s.db.Exec(ddl); err != nil {
		return errors.WrapFatal(err, "store", "migrate", "create schema")
	}
	return nil
}

// Initialize validates the stored schema hash against the running definitions
// and loads (or creates) the epoch. On a hash mismatch the store enters
// read-only fallback: reads keep working, writes fail with ErrSchemaMismatch
// until an explicit rebuild.
func (s *Store) Initialize(ctx context.Context) error {
	runningHash, err := s.registry.Hash()
	if err != nil {
		return errors.WrapFatal(err, "store", "Initialize", "compute schema hash")
	}

	meta, err := s.epochMetadata(ctx)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	if errors.Is(err, errors.ErrNotFound) {
		// Fresh store: create the first epoch and record the running hash
		epoch, err := s.CreateEpoch(ctx)
		if err != nil {
			return err
		}
		if err := s.setSchemaVersion(ctx, 1, runningHash); err != nil {
			return err
		}
		s.mu.Lock()
		s.epoch = epoch
		s.schemaVersion = 1
		s.mode = ModeNormal
		s.mu.Unlock()
		s.logger.Info("store initialized with new epoch", "epoch", epoch)
		return nil
	}

	sv, err := s.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.epoch = meta.Epoch
	s.schemaVersion = sv.Version
	s.mu.Unlock()

	if sv.ModelHash != runningHash {
		s.mu.Lock()
		s.mode = ModeReadOnlyFallback
		s.dbStatus = DatabaseSchemaMismatch
		s.mu.Unlock()
		s.logger.Error("schema hash mismatch, store entering read-only fallback",
			"stored_version", sv.Version)
		return errors.ErrSchemaMismatch
	}

	s.mu.Lock()
	s.mode = ModeNormal
	s.mu.Unlock()
	s.logger.Info("store initialized", "epoch", meta.Epoch, "schema_version", sv.Version)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Epoch returns the store's current epoch id.
func (s *Store) Epoch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Mode returns the store's operational mode.
func (s *Store) Mode() OperationalMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// DatabaseStatus returns the last observed health of the database file.
func (s *Store) DatabaseStatus() DatabaseStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbStatus
}

// SchemaVersionNumber returns the current schema version integer.
func (s *Store) SchemaVersionNumber() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion
}

// Read returns the snapshot for one service, or ErrNotFound. The read is a
// single-row atomic query; a snapshot from a different epoch is rejected.
func (s *Store) Read(ctx context.Context, service string) (*ServiceConfigSnapshot, error) {
	var (
		configJSON string
		snap       ServiceConfigSnapshot
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT service, config, version, epoch, updated_at, updated_by
		FROM service_snapshots WHERE service = ?
	`, service).Scan(&snap.Service, &configJSON, &snap.Version, &snap.Epoch, &snap.UpdatedAt, &snap.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err, "Read", "query snapshot")
	}

	if current := s.Epoch(); current != "" && snap.Epoch != current {
		return nil, errors.WrapFatal(
			fmt.Errorf("snapshot epoch %s, store epoch %s: %w", snap.Epoch, current, errors.ErrEpochMismatch),
			"store", "Read", "verify epoch")
	}

	if err := json.Unmarshal([]byte(configJSON), &snap.Config); err != nil {
		s.markCorrupted()
		return nil, errors.WrapFatal(err, "store", "Read", "decode snapshot")
	}
	return &snap, nil
}

// ReadAll returns every service snapshot, ordered by service name.
func (s *Store) ReadAll(ctx context.Context) ([]ServiceConfigSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, config, version, epoch, updated_at, updated_by
		FROM service_snapshots ORDER BY service
	`)
	if err != nil {
		return nil, s.classify(err, "ReadAll", "query snapshots")
	}
	defer rows.Close()

	current := s.Epoch()
	snapshots := []ServiceConfigSnapshot{}
	for rows.Next() {
		var (
			configJSON string
			snap       ServiceConfigSnapshot
		)
		if err := rows.Scan(&snap.Service, &configJSON, &snap.Version, &snap.Epoch, &snap.UpdatedAt, &snap.UpdatedBy); err != nil {
			return nil, s.classify(err, "ReadAll", "scan snapshot")
		}
		if current != "" && snap.Epoch != current {
			return nil, errors.WrapFatal(errors.ErrEpochMismatch, "store", "ReadAll", "verify epoch")
		}
		if err := json.Unmarshal([]byte(configJSON), &snap.Config); err != nil {
			s.markCorrupted()
			return nil, errors.WrapFatal(err, "store", "ReadAll", "decode snapshot")
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// Update writes a new configuration for a service using optimistic locking.
// expectedVersion 0 creates the service; otherwise the write succeeds only if
// the stored version still equals expectedVersion, returning the new version.
// The snapshot write and the config-item index resync happen in one
// transaction so a reader never observes them out of sync.
func (s *Store) Update(ctx context.Context, service string, newConfig map[string]any, expectedVersion int64, principal string) (int64, error) {
	if s.Mode() != ModeNormal {
		return 0, errors.ErrSchemaMismatch
	}
	if service == "" {
		return 0, errors.WrapInvalid(errors.New("service name cannot be empty"), "store", "Update", "validate input")
	}

	configJSON, err := json.Marshal(newConfig)
	if err != nil {
		return 0, errors.WrapInvalid(err, "store", "Update", "encode config")
	}

	now := time.Now().UTC()
	epoch := s.Epoch()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify(err, "Update", "begin transaction")
	}
	defer tx.Rollback()

	var newVersion int64
	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO service_snapshots (service, config, version, epoch, updated_at, updated_by)
			VALUES (?, ?, 1, ?, ?, ?)
		`, service, string(configJSON), epoch, now, principal)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return 0, errors.ErrVersionConflict
			}
			return 0, s.classify(err, "Update", "insert snapshot")
		}
		newVersion = 1
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE service_snapshots
			SET config = ?, version = version + 1, epoch = ?, updated_at = ?, updated_by = ?
			WHERE service = ? AND version = ?
		`, string(configJSON), epoch, now, principal, service, expectedVersion)
		if err != nil {
			return 0, s.classify(err, "Update", "update snapshot")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, s.classify(err, "Update", "check rows affected")
		}
		if affected == 0 {
			// Either the version moved or the service does not exist;
			// both are conflicts from the caller's perspective.
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM service_snapshots WHERE service = ?`, service).Scan(&exists); err != nil {
				return 0, s.classify(err, "Update", "check existence")
			}
			if exists == 0 {
				return 0, errors.ErrNotFound
			}
			return 0, errors.ErrVersionConflict
		}
		newVersion = expectedVersion + 1
	}

	if err := s.syncConfigItems(ctx, tx, service, newConfig, principal, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, s.classify(err, "Update", "commit")
	}

	s.logger.Debug("snapshot updated",
		"service", service,
		"version", newVersion,
		"principal", principal)
	return newVersion, nil
}

// syncConfigItems rebuilds the per-key index rows for a service from its new
// snapshot, inside the caller's transaction. The key set of config_items for
// a service always equals the key set of its current snapshot.
func (s *Store) syncConfigItems(ctx context.Context, tx *sql.Tx, service string, config map[string]any, principal string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM config_items WHERE service = ?`, service); err != nil {
		return s.classify(err, "syncConfigItems", "clear items")
	}

	var svcSchema schema.ConfigSchema
	if s.registry != nil {
		svcSchema, _ = s.registry.Get(service)
	}

	for key, value := range config {
		item := deriveItem(service, key, value, svcSchema)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO config_items (service, key, value, type, category, description, secret, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.Service, item.Key, item.Value, item.Type, item.Category, item.Description, item.Secret, now, principal)
		if err != nil {
			return s.classify(err, "syncConfigItems", "insert item")
		}
	}
	return nil
}

// deriveItem builds one index row, taking display metadata from the schema
// when available. Secret values are indexed by key only, never by value.
func deriveItem(service, key string, value any, svcSchema schema.ConfigSchema) ConfigItem {
	item := ConfigItem{
		Service:  service,
		Key:      key,
		Category: "advanced",
	}

	prop, hasProp := svcSchema.Properties[key]
	if hasProp {
		item.Type = prop.Type
		item.Description = prop.Description
		item.Secret = prop.Secret
		if prop.Category != "" {
			item.Category = prop.Category
		}
	} else {
		item.Type = inferType(value)
	}

	if item.Secret {
		item.Value = "[REDACTED]"
	} else {
		item.Value = fmt.Sprintf("%v", value)
	}
	return item
}

func inferType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	default:
		return "string"
	}
}

// CreateEpoch generates a fresh epoch id and persists it. Invoked once when
// the store is empty and on every rebuild.
func (s *Store) CreateEpoch(ctx context.Context) (string, error) {
	epoch := uuid.New().String()
	now := time.Now().UTC()
	schemaVersion := s.SchemaVersionNumber()
	if schemaVersion < 1 {
		schemaVersion = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epoch_metadata (id, epoch, schema_version, created_at, rebuilt_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET epoch = excluded.epoch,
			schema_version = excluded.schema_version, rebuilt_at = excluded.rebuilt_at
	`, epoch, schemaVersion, now, now)
	if err != nil {
		return "", s.classify(err, "CreateEpoch", "persist epoch")
	}

	s.mu.Lock()
	s.epoch = epoch
	s.mu.Unlock()

	if err := s.writeEpochFile(epoch, now); err != nil {
		s.logger.Warn("failed to write epoch sidecar", "error", err)
	}
	return epoch, nil
}

func (s *Store) writeEpochFile(epoch string, createdAt time.Time) error {
	data, err := json.Marshal(map[string]any{
		"epoch":      epoch,
		"created_at": createdAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	path := filepath.Join(filepath.Dir(s.dbPath), EpochFile)
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) epochMetadata(ctx context.Context) (*EpochMetadata, error) {
	var meta EpochMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, schema_version, created_at, rebuilt_at FROM epoch_metadata WHERE id = 1
	`).Scan(&meta.Epoch, &meta.SchemaVersion, &meta.CreatedAt, &meta.RebuiltAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err, "epochMetadata", "query epoch")
	}
	return &meta, nil
}

// CurrentSchemaVersion returns the singleton schema-version record.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (*SchemaVersion, error) {
	var sv SchemaVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT version, model_hash, updated_at FROM schema_version WHERE id = 1
	`).Scan(&sv.Version, &sv.ModelHash, &sv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err, "CurrentSchemaVersion", "query schema version")
	}
	return &sv, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_version (id, version, model_hash, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version,
			model_hash = excluded.model_hash, updated_at = excluded.updated_at
	`, version, hash, time.Now().UTC())
	if err != nil {
		return s.classify(err, "setSchemaVersion", "persist schema version")
	}

	// epoch_metadata mirrors the schema version so a single row answers both
	// "which epoch" and "which schema generation".
	_, err = s.db.ExecContext(ctx, `
		UPDATE epoch_metadata SET schema_version = ? WHERE id = 1
	`, version)
	if err != nil {
		return s.classify(err, "setSchemaVersion", "sync epoch metadata")
	}
	return nil
}

// ValidateSchema compares the given hash against the stored one.
func (s *Store) ValidateSchema(ctx context.Context, currentHash string) error {
	sv, err := s.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if sv.ModelHash != currentHash {
		return errors.ErrSchemaMismatch
	}
	return nil
}

// Rebuild wipes all snapshots and index rows, regenerates the epoch, records
// the running schema hash, and writes a tombstone file next to the database.
// Profiles, secrets, and the audit log survive a rebuild. The caller is
// responsible for requiring the explicit rebuild flag and write permission.
func (s *Store) Rebuild(ctx context.Context, principal string) (string, error) {
	s.mu.Lock()
	oldEpoch := s.epoch
	s.mode = ModeRebuilding
	s.mu.Unlock()

	runningHash, err := s.registry.Hash()
	if err != nil {
		return "", errors.WrapFatal(err, "store", "Rebuild", "compute schema hash")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.classify(err, "Rebuild", "begin transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"service_snapshots", "config_items"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return "", s.classify(err, "Rebuild", "wipe "+table)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", s.classify(err, "Rebuild", "commit wipe")
	}

	newEpoch, err := s.CreateEpoch(ctx)
	if err != nil {
		return "", err
	}

	sv, err := s.CurrentSchemaVersion(ctx)
	newVersion := int64(1)
	if err == nil {
		newVersion = sv.Version + 1
	}
	if err := s.setSchemaVersion(ctx, newVersion, runningHash); err != nil {
		return "", err
	}

	if err := s.writeTombstone(oldEpoch, newEpoch, principal); err != nil {
		s.logger.Warn("failed to write rebuild tombstone", "error", err)
	}

	s.mu.Lock()
	s.schemaVersion = newVersion
	s.mode = ModeNormal
	s.dbStatus = DatabaseHealthy
	s.mu.Unlock()

	s.logger.Info("store rebuilt",
		"old_epoch", oldEpoch,
		"new_epoch", newEpoch,
		"schema_version", newVersion,
		"principal", principal)
	return newEpoch, nil
}

func (s *Store) writeTombstone(oldEpoch, newEpoch, principal string) error {
	tombstone := map[string]any{
		"old_epoch":  oldEpoch,
		"new_epoch":  newEpoch,
		"rebuilt_at": time.Now().UTC().Format(time.RFC3339),
		"rebuilt_by": principal,
	}
	data, err := json.Marshal(tombstone)
	if err != nil {
		return err
	}
	path := filepath.Join(filepath.Dir(s.dbPath), TombstoneFile)
	return os.WriteFile(path, data, 0o644)
}

// classify maps a database error onto the store error taxonomy and records
// the observed database status for the health payload.
func (s *Store) classify(err error, method, action string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		s.mu.Lock()
		s.dbStatus = DatabaseLocked
		s.mu.Unlock()
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"store", method, action)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "not a database"):
		s.markCorrupted()
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"store", method, action)
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"store", method, action)
	}
}

func (s *Store) markCorrupted() {
	s.mu.Lock()
	s.dbStatus = DatabaseCorrupted
	s.mu.Unlock()
}

// Ping verifies the database file is reachable and updates the health state.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return s.classify(err, "Ping", "probe")
	}
	s.mu.Lock()
	if s.mode != ModeReadOnlyFallback {
		s.dbStatus = DatabaseHealthy
	}
	s.mu.Unlock()
	return nil
}
