// Package service wires the store, distributor, cache, and access control
// into the hub's operation surface. Every mutating entry point runs the same
// gauntlet: anti-forgery token, role check, schema validation, durable write,
// signed publish, cache refresh.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/confhub/access"
	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/lkg"
	"github.com/c360/confhub/pkg/worker"
	"github.com/c360/confhub/profile"
	"github.com/c360/confhub/schema"
	"github.com/c360/confhub/store"
)

// DefaultGraceWindow is how long retiring secret keys stay decryptable after
// a rotation.
const DefaultGraceWindow = 24 * time.Hour

// Publisher pushes a signed update envelope onto the retained bus.
// *distributor.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, service string, config map[string]any, version int64, epoch string) error
}

// Rotator drives secret key rotation. *crypto.Rotator satisfies it.
type Rotator interface {
	Rotate(ctx context.Context, graceWindow time.Duration) error
	Status() crypto.RotationStatus
}

// Caller identifies who is invoking an operation. Session and Token are only
// consulted for state-changing calls.
type Caller struct {
	Principal string
	Session   string
	Token     string
}

// Hub is the hub-side orchestrator.
type Hub struct {
	store       *store.Store
	registry    *schema.Registry
	keys        *crypto.KeySet
	ctrl        *access.Controller
	publisher   Publisher
	cache       *lkg.Cache
	rotator     Rotator
	profiles    *profile.Manager
	logger      *slog.Logger
	graceWindow time.Duration

	refreshPool *worker.Pool[refreshRequest]
}

type refreshRequest struct {
	reason string
}

// Option configures a Hub.
type Option func(*Hub)

// WithPublisher attaches the update publisher.
func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.publisher = p }
}

// WithCache attaches the last-known-good cache.
func WithCache(c *lkg.Cache) Option {
	return func(h *Hub) { h.cache = c }
}

// WithRotator attaches the secret key rotator.
func WithRotator(r Rotator) Option {
	return func(h *Hub) { h.rotator = r }
}

// WithGraceWindow overrides the rotation grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(h *Hub) { h.graceWindow = d }
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// NewHub assembles the hub over an opened store.
func NewHub(s *store.Store, registry *schema.Registry, keys *crypto.KeySet, ctrl *access.Controller, opts ...Option) *Hub {
	h := &Hub{
		store:       s,
		registry:    registry,
		keys:        keys,
		ctrl:        ctrl,
		logger:      slog.Default(),
		graceWindow: DefaultGraceWindow,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.refreshPool = worker.NewPool(1, 16, h.processRefresh)

	var pub Publisher = h.publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	h.profiles = profile.NewManager(s, pub, h.logger)

	return h
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, map[string]any, int64, string) error {
	return nil
}

// Start initializes the store and the background refresh pool. A schema
// mismatch does not fail startup: the hub keeps serving reads in fallback
// mode until an operator triggers a rebuild.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.store.Initialize(ctx); err != nil {
		if errors.Is(err, errors.ErrSchemaMismatch) {
			h.logger.Warn("schema definitions changed since the store was built, serving read-only",
				"mode", string(h.store.Mode()))
		} else {
			return errors.Wrap(err, "service", "Start", "initialize store")
		}
	}

	if err := h.refreshPool.Start(ctx); err != nil {
		return errors.Wrap(err, "service", "Start", "start refresh pool")
	}

	if h.store.Mode() == store.ModeNormal {
		h.scheduleRefresh("startup")
	}
	return nil
}

// Stop drains the refresh pool.
func (h *Hub) Stop(timeout time.Duration) error {
	if err := h.refreshPool.Stop(timeout); err != nil {
		return errors.Wrap(err, "service", "Stop", "drain refresh pool")
	}
	return nil
}

// GetConfig returns the stored snapshot for a service. Readable by any
// principal.
func (h *Hub) GetConfig(ctx context.Context, caller Caller, service string) (*store.ServiceConfigSnapshot, error) {
	return h.store.Read(ctx, service)
}

// Search queries the per-key index. Readable by any principal.
func (h *Hub) Search(ctx context.Context, caller Caller, query, serviceFilter, categoryFilter string) ([]store.SearchResult, error) {
	return h.store.Search(ctx, query, serviceFilter, categoryFilter)
}

// AccessLog returns recent audit entries, newest first.
func (h *Hub) AccessLog(ctx context.Context, caller Caller, limit int) ([]store.AccessLogEntry, error) {
	return h.store.ListAccessLog(ctx, limit)
}

// UpdateConfig validates and commits a new configuration for a service, then
// publishes the signed envelope and schedules a cache refresh. The expected
// version implements optimistic locking: a stale read fails with
// ErrVersionConflict and nothing is written.
func (h *Hub) UpdateConfig(ctx context.Context, caller Caller, service string, config map[string]any, expectedVersion int64) (int64, error) {
	if err := h.authorize(ctx, caller, access.ActionUpdate, service, ""); err != nil {
		return 0, err
	}

	if err := h.validate(service, config); err != nil {
		return 0, err
	}

	version, err := h.store.Update(ctx, service, config, expectedVersion, caller.Principal)
	if err != nil {
		return 0, err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionUpdate, service, "")

	h.publish(ctx, service, config, version)
	h.scheduleRefresh("update")

	return version, nil
}

// StoreSecret encrypts and stores a secret value.
func (h *Hub) StoreSecret(ctx context.Context, caller Caller, service, key string, plaintext []byte) error {
	if err := h.authorize(ctx, caller, access.ActionStoreSecret, service, key); err != nil {
		return err
	}
	if err := h.store.StoreSecret(ctx, service, key, plaintext, h.keys); err != nil {
		return err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionStoreSecret, service, key)
	return nil
}

// RevealSecret decrypts a stored secret. Requires the write role; every
// reveal is audited.
func (h *Hub) RevealSecret(ctx context.Context, caller Caller, service, key string) ([]byte, error) {
	if err := h.authorize(ctx, caller, access.ActionRevealSecret, service, key); err != nil {
		return nil, err
	}
	plaintext, err := h.store.RetrieveSecret(ctx, service, key, h.keys)
	if err != nil {
		return nil, err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionRevealSecret, service, key)
	return plaintext, nil
}

// RotateKeys starts a secret key rotation with the configured grace window.
func (h *Hub) RotateKeys(ctx context.Context, caller Caller) error {
	if err := h.authorize(ctx, caller, access.ActionRotateKey, "", ""); err != nil {
		return err
	}
	if h.rotator == nil {
		return errors.WrapInvalid(
			fmt.Errorf("no rotator configured"),
			"service", "RotateKeys", "check rotator")
	}
	if err := h.rotator.Rotate(ctx, h.graceWindow); err != nil {
		return err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionRotateKey, "", "")
	return nil
}

// Rebuild wipes configuration state and starts a fresh epoch. It never runs
// implicitly: the confirm flag must be set, and the cached fallback from the
// old epoch is invalidated so stale data cannot be served against the new
// generation.
func (h *Hub) Rebuild(ctx context.Context, caller Caller, confirm bool) (string, error) {
	if !confirm {
		return "", errors.WrapInvalid(
			fmt.Errorf("rebuild requires explicit confirmation"),
			"service", "Rebuild", "check confirmation")
	}
	if err := h.authorize(ctx, caller, access.ActionRebuild, "", ""); err != nil {
		return "", err
	}

	epoch, err := h.store.Rebuild(ctx, caller.Principal)
	if err != nil {
		return "", err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionRebuild, "", "")

	if h.cache != nil {
		if err := h.cache.Invalidate(); err != nil {
			h.logger.Warn("failed to invalidate fallback cache after rebuild", "error", err)
		}
	}
	return epoch, nil
}

// SaveProfile captures the current full-system configuration under a name.
func (h *Hub) SaveProfile(ctx context.Context, caller Caller, name, description string) (*store.Profile, error) {
	if err := h.authorize(ctx, caller, access.ActionProfileSave, "", ""); err != nil {
		return nil, err
	}
	p, err := h.profiles.Save(ctx, name, description, caller.Principal)
	if err != nil {
		return nil, err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionProfileSave, "", name)
	return p, nil
}

// ActivateProfile applies a named profile service by service. Partial
// failures are reported per service rather than rolled back.
func (h *Hub) ActivateProfile(ctx context.Context, caller Caller, name string) ([]profile.ActivationOutcome, error) {
	if err := h.authorize(ctx, caller, access.ActionProfileActivate, "", ""); err != nil {
		return nil, err
	}
	outcomes, err := h.profiles.Activate(ctx, name, caller.Principal)
	if err != nil {
		return nil, err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionProfileActivate, "", name)
	h.scheduleRefresh("profile-activation")
	return outcomes, nil
}

// DeleteProfile removes a named profile.
func (h *Hub) DeleteProfile(ctx context.Context, caller Caller, name string) error {
	if err := h.authorize(ctx, caller, access.ActionProfileDelete, "", ""); err != nil {
		return err
	}
	if err := h.profiles.Delete(ctx, name); err != nil {
		return err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionProfileDelete, "", name)
	return nil
}

// ListProfiles returns all saved profiles.
func (h *Hub) ListProfiles(ctx context.Context, caller Caller) ([]store.Profile, error) {
	return h.profiles.List(ctx)
}

// ExportProfile serializes a profile for transfer between environments.
func (h *Hub) ExportProfile(ctx context.Context, caller Caller, name string) ([]byte, error) {
	return h.profiles.Export(ctx, name)
}

// ImportProfile loads a serialized profile, optionally renaming it.
func (h *Hub) ImportProfile(ctx context.Context, caller Caller, data []byte, overrideName string) (*store.Profile, error) {
	if err := h.authorize(ctx, caller, access.ActionProfileSave, "", ""); err != nil {
		return nil, err
	}
	p, err := h.profiles.Import(ctx, data, overrideName, caller.Principal)
	if err != nil {
		return nil, err
	}
	h.ctrl.Record(ctx, caller.Principal, access.ActionProfileSave, "", p.Name)
	return p, nil
}

// RefreshCache synchronously rewrites the fallback cache from the store.
func (h *Hub) RefreshCache(ctx context.Context) error {
	return h.processRefresh(ctx, refreshRequest{reason: "manual"})
}

func (h *Hub) authorize(ctx context.Context, caller Caller, action access.Action, service, key string) error {
	if h.ctrl == nil {
		return nil
	}
	return h.ctrl.Authorize(ctx, caller.Principal, caller.Session, caller.Token, action, service, key)
}

func (h *Hub) validate(service string, config map[string]any) error {
	svcSchema, ok := h.registry.Get(service)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no schema registered for service %s", errors.ErrConfigInvalid, service),
			"service", "UpdateConfig", "look up schema")
	}

	verrs := schema.ValidateConfig(config, svcSchema)
	if len(verrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(verrs))
	for _, verr := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", verr.Field, verr.Message))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrConfigInvalid, strings.Join(msgs, "; ")),
		"service", "UpdateConfig", "validate config")
}

func (h *Hub) publish(ctx context.Context, service string, config map[string]any, version int64) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, service, config, version, h.store.Epoch()); err != nil {
		// The write is already durable; subscribers converge on the next
		// successful publish or from the retained value after reconnect.
		h.logger.Warn("failed to publish update envelope",
			"service", service,
			"version", version,
			"error", err)
	}
}

func (h *Hub) scheduleRefresh(reason string) {
	if h.cache == nil {
		return
	}
	if err := h.refreshPool.Submit(refreshRequest{reason: reason}); err != nil {
		h.logger.Warn("failed to schedule cache refresh", "reason", reason, "error", err)
	}
}

func (h *Hub) processRefresh(ctx context.Context, req refreshRequest) error {
	if h.cache == nil {
		return nil
	}

	snapshots, err := h.store.ReadAll(ctx)
	if err != nil {
		h.logger.Warn("cache refresh failed reading store", "reason", req.reason, "error", err)
		return err
	}

	entries := make([]lkg.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		entries = append(entries, lkg.Snapshot{
			Service: snap.Service,
			Config:  snap.Config,
			Version: snap.Version,
		})
	}

	if err := h.cache.RefreshFromStore(entries, h.store.Epoch()); err != nil {
		h.logger.Warn("cache refresh failed writing file", "reason", req.reason, "error", err)
		return err
	}
	return nil
}
