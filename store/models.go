package store

import "time"

// ServiceConfigSnapshot is one row per service: the complete configuration
// map, its monotonically increasing version, and the epoch it belongs to.
// This table is the source of truth for atomic retrieval.
type ServiceConfigSnapshot struct {
	Service   string         `json:"service"`
	Config    map[string]any `json:"config"`
	Version   int64          `json:"version"`
	Epoch     string         `json:"epoch"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by"`
}

// ConfigItem is the denormalized per-key row derived from a snapshot on every
// write. It exists purely to support search/filter/audit without
// deserializing full snapshots; it is never mutated independently.
type ConfigItem struct {
	Service     string    `json:"service"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        string    `json:"type"`     // "string", "int", "bool", "float"
	Category    string    `json:"category"` // "simple" or "advanced"
	Description string    `json:"description"`
	Secret      bool      `json:"secret"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
}

// SchemaVersion is the singleton record tracking the schema-compatibility
// hash of the definitions this store was built against.
type SchemaVersion struct {
	Version   int64     `json:"version"`
	ModelHash string    `json:"model_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpochMetadata identifies one generation of the store. The epoch id is
// regenerated whenever the store is rebuilt from scratch; artifacts carrying
// a different epoch are rejected rather than trusted.
type EpochMetadata struct {
	Epoch         string    `json:"epoch"`
	SchemaVersion int64     `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	RebuiltAt     time.Time `json:"rebuilt_at"`
}

// AccessLogEntry is one append-only audit record. The running system never
// mutates or deletes entries.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Service   string    `json:"service,omitempty"`
	Key       string    `json:"key,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile is a named full-system configuration snapshot.
type Profile struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Services    map[string]map[string]any `json:"services"`
	CreatedAt   time.Time                 `json:"created_at"`
	CreatedBy   string                    `json:"created_by"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	UpdatedBy   string                    `json:"updated_by"`
}

// SearchResult is one ranked hit from the config-item index.
type SearchResult struct {
	Item ConfigItem `json:"item"`
	Rank int        `json:"rank"` // lower is better
}

// Search relevance ranks, best to worst.
const (
	RankExactKey      = 0
	RankKeyPrefix     = 1
	RankKeySubstring  = 2
	RankDescSubstring = 3
)

// DatabaseStatus reports the health of the underlying database file.
type DatabaseStatus string

const (
	DatabaseHealthy        DatabaseStatus = "healthy"
	DatabaseLocked         DatabaseStatus = "locked"
	DatabaseCorrupted      DatabaseStatus = "corrupted"
	DatabaseSchemaMismatch DatabaseStatus = "schema-mismatch"
)

// OperationalMode reports what the store is currently willing to do.
type OperationalMode string

const (
	ModeNormal           OperationalMode = "normal"
	ModeReadOnlyFallback OperationalMode = "read-only-fallback"
	ModeRebuilding       OperationalMode = "rebuilding"
)
