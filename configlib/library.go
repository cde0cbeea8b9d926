package configlib

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/confhub/distributor"
	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/lkg"
	"github.com/c360/confhub/schema"
	"github.com/c360/confhub/store"
)

// Mode describes how the library obtained its configuration.
type Mode string

// Operating modes, from healthy to most degraded.
const (
	ModeNormal        Mode = "normal"
	ModeCacheFallback Mode = "cache-fallback"
	ModeEnvDefaults   Mode = "env-defaults"
)

// ResolvedConfig is the typed result handed to the consuming service.
type ResolvedConfig struct {
	Service string
	Values  map[string]any
	// Sources maps each field to where its value came from (env, store,
	// cache, default).
	Sources map[string]string
	Mode    Mode
	Version int64
	Epoch   string
	// SecurityEvent is set when a tampered cache was detected and skipped.
	SecurityEvent bool
}

// StoreReader is the read surface of the config store the library needs.
type StoreReader interface {
	Read(ctx context.Context, service string) (*store.ServiceConfigSnapshot, error)
}

// UpdateCallback receives each verified and resolved configuration update.
type UpdateCallback func(ResolvedConfig)

// Library resolves and tracks configuration for one consuming service.
// Environment overrides are captured once at construction and pin their
// fields for the process lifetime.
type Library struct {
	service   string
	svcSchema schema.ConfigSchema
	reader    StoreReader
	cache     *lkg.Cache
	verifier  *distributor.Verifier
	logger    *slog.Logger

	env map[string]string

	mu      sync.RWMutex
	current ResolvedConfig
}

// Option configures a Library.
type Option func(*Library)

// WithCache supplies the signed fallback cache.
func WithCache(cache *lkg.Cache) Option {
	return func(l *Library) { l.cache = cache }
}

// WithVerifier supplies the envelope verifier for live updates.
func WithVerifier(verifier *distributor.Verifier) Option {
	return func(l *Library) { l.verifier = verifier }
}

// WithEnv replaces the process environment, for tests.
func WithEnv(env map[string]string) Option {
	return func(l *Library) { l.env = env }
}

// New creates a library for one service. The environment is snapshotted
// here; later changes to process env vars are never observed.
func New(service string, svcSchema schema.ConfigSchema, reader StoreReader, logger *slog.Logger, opts ...Option) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{
		service:   service,
		svcSchema: svcSchema,
		reader:    reader,
		logger:    logger.With("service", service),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.env == nil {
		l.env = captureEnv(service, svcSchema)
	}
	return l
}

// captureEnv snapshots the override-eligible environment variables once.
func captureEnv(service string, svcSchema schema.ConfigSchema) map[string]string {
	env := make(map[string]string)
	for key, prop := range svcSchema.Properties {
		if !prop.Secret && !prop.OverrideEligible {
			continue
		}
		name := EnvVarName(service, key)
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// Initialize resolves the service's configuration, falling back from the
// store to the signed cache to environment plus defaults. It never returns
// tampered cache values; a tampered cache is reported as a security event
// and skipped. A required field with no value from any source fails with
// ErrConfigInvalid.
func (l *Library) Initialize(ctx context.Context) (ResolvedConfig, error) {
	resolved, err := l.resolveFromSources(ctx)
	if err != nil {
		return ResolvedConfig{}, err
	}

	l.mu.Lock()
	l.current = resolved
	l.mu.Unlock()

	l.logger.Info("configuration initialized",
		"mode", string(resolved.Mode),
		"version", resolved.Version,
		"fields", len(resolved.Values))
	return resolved, nil
}

func (l *Library) resolveFromSources(ctx context.Context) (ResolvedConfig, error) {
	snap, err := l.reader.Read(ctx, l.service)
	switch {
	case err == nil:
		values, sources, rerr := Resolve(l.env, snap.Config, l.svcSchema, l.service, SourceStore)
		if rerr != nil {
			return ResolvedConfig{}, rerr
		}
		return ResolvedConfig{
			Service: l.service,
			Values:  values,
			Sources: sources,
			Mode:    ModeNormal,
			Version: snap.Version,
			Epoch:   snap.Epoch,
		}, nil

	case errors.Is(err, errors.ErrNotFound):
		// service not yet configured: env plus defaults, but the store is
		// healthy so this is not degraded mode
		values, sources, rerr := Resolve(l.env, nil, l.svcSchema, l.service, SourceStore)
		if rerr != nil {
			return ResolvedConfig{}, rerr
		}
		return ResolvedConfig{
			Service: l.service,
			Values:  values,
			Sources: sources,
			Mode:    ModeNormal,
		}, nil
	}

	l.logger.Warn("store unavailable, trying cache fallback", "error", err)

	securityEvent := false
	if l.cache != nil {
		cached, cerr := l.cache.Get(l.service)
		if cerr == nil {
			payload, perr := l.cache.Load()
			epoch := ""
			if perr == nil {
				epoch = payload.Epoch
			}
			values, sources, rerr := Resolve(l.env, cached.Config, l.svcSchema, l.service, SourceCache)
			if rerr != nil {
				return ResolvedConfig{}, rerr
			}
			l.logger.Warn("running on cached configuration", "version", cached.Version)
			return ResolvedConfig{
				Service: l.service,
				Values:  values,
				Sources: sources,
				Mode:    ModeCacheFallback,
				Version: cached.Version,
				Epoch:   epoch,
			}, nil
		}
		if errors.Is(cerr, errors.ErrTamperedCache) {
			// compromised, not stale: log the security event and refuse
			// to use any of it
			l.logger.Error("cache signature verification failed, treating as compromised")
			securityEvent = true
		}
	}

	values, sources, rerr := Resolve(l.env, nil, l.svcSchema, l.service, SourceStore)
	if rerr != nil {
		return ResolvedConfig{}, rerr
	}
	l.logger.Warn("running on environment and defaults only")
	return ResolvedConfig{
		Service:       l.service,
		Values:        values,
		Sources:       sources,
		Mode:          ModeEnvDefaults,
		SecurityEvent: securityEvent,
	}, nil
}

// Current returns the most recently resolved configuration.
func (l *Library) Current() ResolvedConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Mode returns the library's current operating mode.
func (l *Library) Mode() Mode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Mode
}

// HandleUpdate verifies one raw envelope and, if it addresses this service
// and passes every check, re-resolves and applies it. Environment-pinned
// fields keep their env values regardless of the update's contents. The
// callback runs outside the lock; a panic in it is recovered and logged, and
// the applied configuration stays in place.
func (l *Library) HandleUpdate(data []byte, callback UpdateCallback) error {
	if l.verifier == nil {
		return errors.New("no verifier configured")
	}

	envelope, err := l.verifier.Verify(data)
	if err != nil {
		l.logger.Warn("rejected update envelope", "error", err)
		return err
	}
	if envelope.Service != l.service {
		return nil
	}

	values, sources, err := Resolve(l.env, envelope.Config, l.svcSchema, l.service, SourceStore)
	if err != nil {
		l.logger.Error("update failed validation, keeping previous configuration", "error", err)
		return err
	}

	resolved := ResolvedConfig{
		Service: l.service,
		Values:  values,
		Sources: sources,
		Mode:    ModeNormal,
		Version: envelope.Version,
		Epoch:   envelope.Epoch,
	}

	l.mu.Lock()
	l.current = resolved
	l.mu.Unlock()

	l.logger.Info("applied configuration update", "version", envelope.Version)

	if callback != nil {
		l.invokeCallback(callback, resolved)
	}
	return nil
}

func (l *Library) invokeCallback(callback UpdateCallback, resolved ResolvedConfig) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("update callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	callback(resolved)
}

// SubscribeUpdates consumes a KV watcher until the context is cancelled,
// feeding each received envelope through HandleUpdate. Envelope rejections
// are logged and skipped; the previously applied configuration is retained.
// The watcher itself survives broker reconnects via the underlying client.
func (l *Library) SubscribeUpdates(ctx context.Context, watcher jetstream.KeyWatcher, callback UpdateCallback) {
	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// initial-values marker from the watcher
					continue
				}
				if entry.Key() != l.service {
					continue
				}
				// rejections are logged inside HandleUpdate; the
				// subscription keeps running either way
				_ = l.HandleUpdate(entry.Value(), callback)
			}
		}
	}()
}
