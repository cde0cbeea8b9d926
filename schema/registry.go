package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the schema definitions for every known service. The
// compatibility hash is computed over all registered definitions; any change
// to a schema changes the hash, which the store detects at startup.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]ConfigSchema
}

// NewRegistry creates an empty schema registry
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]ConfigSchema)}
}

// Register adds or replaces the schema for a service
func (r *Registry) Register(service string, schema ConfigSchema) error {
	if service == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	for name, prop := range schema.Properties {
		switch prop.Type {
		case "string", "int", "bool", "float":
		default:
			return fmt.Errorf("service %s: property %q has unsupported type %q", service, name, prop.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[service] = schema
	return nil
}

// Get returns the schema for a service
func (r *Registry) Get(service string) (ConfigSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[service]
	return s, ok
}

// Services returns the names of all registered services, sorted
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash computes the schema-compatibility hash: a SHA-256 over the canonical
// JSON serialization of every registered schema, in service-name order.
// Identical definitions always produce identical hashes regardless of
// registration order.
func (r *Registry) Hash() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := sha256.New()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// json.Marshal sorts map keys, so property order is deterministic.
		data, err := json.Marshal(r.schemas[name])
		if err != nil {
			return "", fmt.Errorf("marshal schema %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\n", name)
		h.Write(data)
		h.Write([]byte{'\n'})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
