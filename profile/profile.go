// Package profile manages named full-system configuration snapshots: saving
// the current state of every service, listing, exporting, and activating a
// profile by writing it back through the store's optimistic-locking path.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/store"
)

// Distributor is the publish surface activation uses to announce each
// successfully applied service.
type Distributor interface {
	Publish(ctx context.Context, service string, config map[string]any, version int64, epoch string) error
}

// Store is the slice of the config store profiles need. *store.Store
// satisfies it.
type Store interface {
	Read(ctx context.Context, service string) (*store.ServiceConfigSnapshot, error)
	ReadAll(ctx context.Context) ([]store.ServiceConfigSnapshot, error)
	Update(ctx context.Context, service string, newConfig map[string]any, expectedVersion int64, principal string) (int64, error)
	Epoch() string
	SaveProfile(ctx context.Context, profile store.Profile) error
	GetProfile(ctx context.Context, name string) (*store.Profile, error)
	ListProfiles(ctx context.Context) ([]store.Profile, error)
	DeleteProfile(ctx context.Context, name string) error
}

// ActivationOutcome reports the result of applying a profile to one service.
// Activation is deliberately non-transactional: each service's update stands
// or falls on its own optimistic lock.
type ActivationOutcome struct {
	Service    string `json:"service"`
	Success    bool   `json:"success"`
	NewVersion int64  `json:"new_version,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Manager orchestrates profile operations on top of the store.
type Manager struct {
	store       Store
	distributor Distributor
	logger      *slog.Logger
}

// NewManager creates a profile manager. distributor may be nil, in which case
// activation applies updates without publishing.
func NewManager(s Store, distributor Distributor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, distributor: distributor, logger: logger}
}

// Save captures every current service snapshot under the given name.
// Saving over an existing name overwrites it.
func (m *Manager) Save(ctx context.Context, name, description, principal string) (*store.Profile, error) {
	snapshots, err := m.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	services := make(map[string]map[string]any, len(snapshots))
	for _, snap := range snapshots {
		services[snap.Service] = snap.Config
	}

	profile := store.Profile{
		Name:        name,
		Description: description,
		Services:    services,
		CreatedBy:   principal,
		UpdatedBy:   principal,
	}
	if err := m.store.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}

	m.logger.Info("profile saved",
		"profile", name,
		"services", len(services),
		"principal", principal)
	return &profile, nil
}

// Get returns one profile, or ErrNotFound for normal absence.
func (m *Manager) Get(ctx context.Context, name string) (*store.Profile, error) {
	return m.store.GetProfile(ctx, name)
}

// List returns all profiles ordered by name.
func (m *Manager) List(ctx context.Context) ([]store.Profile, error) {
	return m.store.ListProfiles(ctx)
}

// Delete removes a profile.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.store.DeleteProfile(ctx, name)
}

// Activate applies a profile service by service. Each service goes through
// the store's optimistic-locking update against its current version, so a
// concurrent external write surfaces as a per-service conflict while the
// rest of the profile still applies. The outcome list covers every service
// in the profile, ordered by name.
func (m *Manager) Activate(ctx context.Context, name, principal string) ([]ActivationOutcome, error) {
	profile, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return nil, err
	}

	services := make([]string, 0, len(profile.Services))
	for service := range profile.Services {
		services = append(services, service)
	}
	sort.Strings(services)

	outcomes := make([]ActivationOutcome, 0, len(services))
	for _, service := range services {
		outcomes = append(outcomes, m.activateService(ctx, service, profile.Services[service], principal))
	}

	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Success {
			succeeded++
		}
	}
	m.logger.Info("profile activated",
		"profile", name,
		"succeeded", succeeded,
		"failed", len(outcomes)-succeeded,
		"principal", principal)
	return outcomes, nil
}

func (m *Manager) activateService(ctx context.Context, service string, config map[string]any, principal string) ActivationOutcome {
	var expectedVersion int64
	snap, err := m.store.Read(ctx, service)
	switch {
	case err == nil:
		expectedVersion = snap.Version
	case errors.Is(err, errors.ErrNotFound):
		expectedVersion = 0
	default:
		return ActivationOutcome{Service: service, Error: err.Error()}
	}

	newVersion, err := m.store.Update(ctx, service, config, expectedVersion, principal)
	if err != nil {
		m.logger.Warn("profile activation failed for service",
			"service", service,
			"error", err)
		return ActivationOutcome{Service: service, Error: err.Error()}
	}

	if m.distributor != nil {
		if err := m.distributor.Publish(ctx, service, config, newVersion, m.store.Epoch()); err != nil {
			// the store update stands; the retained bus will carry the
			// next successful publish
			m.logger.Warn("publish after activation failed",
				"service", service,
				"error", err)
		}
	}

	return ActivationOutcome{Service: service, Success: true, NewVersion: newVersion}
}

// exportDoc is the YAML document shape for profile export/import.
type exportDoc struct {
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description,omitempty"`
	ExportedAt  time.Time                 `yaml:"exported_at"`
	Services    map[string]map[string]any `yaml:"services"`
}

// Export renders a profile as YAML for offline storage or review.
func (m *Manager) Export(ctx context.Context, name string) ([]byte, error) {
	profile, err := m.store.GetProfile(ctx, name)
	if err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(exportDoc{
		Name:        profile.Name,
		Description: profile.Description,
		ExportedAt:  time.Now().UTC(),
		Services:    profile.Services,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "profile", "Export", "encode profile")
	}
	return data, nil
}

// Import saves a profile from a YAML export. The document's name is used
// unless overrideName is non-empty.
func (m *Manager) Import(ctx context.Context, data []byte, overrideName, principal string) (*store.Profile, error) {
	var doc exportDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "profile", "Import", "decode profile")
	}

	name := doc.Name
	if overrideName != "" {
		name = overrideName
	}
	if name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("profile document has no name"),
			"profile", "Import", "validate document")
	}
	if len(doc.Services) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("profile document has no services"),
			"profile", "Import", "validate document")
	}

	profile := store.Profile{
		Name:        name,
		Description: doc.Description,
		Services:    doc.Services,
		CreatedBy:   principal,
		UpdatedBy:   principal,
	}
	if err := m.store.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}

	m.logger.Info("profile imported", "profile", name, "services", len(doc.Services))
	return &profile, nil
}
