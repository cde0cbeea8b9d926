// Package lkg persists a last-known-good mirror of every service snapshot to
// a single local file so consumers can come up when the store is unreachable.
// The file carries an HMAC over its canonical form; a file that fails
// verification is treated as compromised, never as merely stale.
package lkg

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
)

const cacheFileMode = 0o600

// Snapshot is one service's cached configuration.
type Snapshot struct {
	Service string         `json:"service"`
	Config  map[string]any `json:"config"`
	Version int64          `json:"version"`
}

// Payload is the on-disk cache content. Signature is a hex HMAC over the
// canonical JSON of the payload with Signature set to the empty string.
type Payload struct {
	Snapshots map[string]Snapshot `json:"snapshots"`
	Epoch     string              `json:"epoch"`
	SavedAt   time.Time           `json:"saved_at"`
	Signature string              `json:"signature"`
}

// Cache owns one signed cache file. All writes go through an atomic
// temp-write, fsync, rename sequence so a concurrent reader never observes a
// half-written file.
type Cache struct {
	path   string
	key    []byte
	logger *slog.Logger
}

// NewCache creates the parent directory if needed. The key is the dedicated
// cache HMAC key, independent of the secret master key so secret rotation
// does not invalidate the cache.
func NewCache(path string, key []byte, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.WrapFatal(err, "lkg", "NewCache", "create cache directory")
	}
	return &Cache{path: path, key: key, logger: logger}, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// RefreshFromStore signs and atomically replaces the cache file with the
// given full snapshot set. Called after every successful full store read.
func (c *Cache) RefreshFromStore(snapshots []Snapshot, epoch string) error {
	payload := Payload{
		Snapshots: make(map[string]Snapshot, len(snapshots)),
		Epoch:     epoch,
		SavedAt:   time.Now().UTC(),
	}
	for _, snap := range snapshots {
		payload.Snapshots[snap.Service] = snap
	}

	canonical, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return errors.WrapInvalid(err, "lkg", "RefreshFromStore", "canonicalize payload")
	}
	payload.Signature = hex.EncodeToString(crypto.SignCache(canonical, c.key))

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "lkg", "RefreshFromStore", "encode payload")
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "close temp file")
	}
	if err := os.Chmod(tmp.Name(), cacheFileMode); err != nil {
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "set permissions")
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return errors.WrapTransient(err, "lkg", "RefreshFromStore", "replace cache file")
	}

	c.logger.Debug("cache refreshed", "services", len(snapshots), "epoch", epoch)
	return nil
}

// Load reads and verifies the cache file. Returns ErrNotFound when no file
// exists and ErrTamperedCache when the file exists but fails verification.
// No partial data is ever returned; tampering is a security event for the
// caller to log, not a fallback source.
func (c *Cache) Load() (*Payload, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "lkg", "Load", "read cache file")
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrTamperedCache, err),
			"lkg", "Load", "decode payload")
	}

	mac, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return nil, errors.ErrTamperedCache
	}

	unsigned := payload
	unsigned.Signature = ""
	canonical, err := crypto.CanonicalJSON(unsigned)
	if err != nil {
		return nil, errors.WrapInvalid(err, "lkg", "Load", "canonicalize payload")
	}
	if !crypto.VerifyCache(canonical, mac, c.key) {
		return nil, errors.ErrTamperedCache
	}

	return &payload, nil
}

// Get loads the cache and returns one service's snapshot from it.
func (c *Cache) Get(service string) (*Snapshot, error) {
	payload, err := c.Load()
	if err != nil {
		return nil, err
	}
	snap, ok := payload.Snapshots[service]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return &snap, nil
}

// Valid reports whether a cache file exists and verifies. Feeds the health
// payload's cacheValid flag.
func (c *Cache) Valid() bool {
	_, err := c.Load()
	return err == nil
}

// Age returns how long ago the cache was refreshed.
func (c *Cache) Age() (time.Duration, error) {
	payload, err := c.Load()
	if err != nil {
		return 0, err
	}
	return time.Since(payload.SavedAt), nil
}

// Invalidate removes the cache file, if present. Used after a rebuild so a
// previous-epoch cache cannot shadow the new store.
func (c *Cache) Invalidate() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "lkg", "Invalidate", "remove cache file")
	}
	return nil
}
