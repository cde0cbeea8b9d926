package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/store"
)

// DefaultCheckInterval is how often the monitor refreshes and publishes.
const DefaultCheckInterval = 15 * time.Second

// StatusSubject is the NATS subject health payloads are published on.
const StatusSubject = "confhub.health"

// StoreProbe is the slice of *store.Store the monitor needs.
type StoreProbe interface {
	Ping(ctx context.Context) error
	Mode() store.OperationalMode
	DatabaseStatus() store.DatabaseStatus
	Epoch() string
	SchemaVersionNumber() int64
}

// CacheProbe reports last-known-good cache validity. *lkg.Cache satisfies it.
type CacheProbe interface {
	Valid() bool
	Age() (time.Duration, error)
}

// RotationProbe reports secret key rotation progress. *crypto.Rotator
// satisfies it.
type RotationProbe interface {
	Status() crypto.RotationStatus
}

// Publisher sends a health payload to interested subscribers. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Monitor assembles the hub health payload and keeps the metrics and the
// published status current.
type Monitor struct {
	store     StoreProbe
	cache     CacheProbe
	rotation  RotationProbe
	publisher Publisher
	logger    *slog.Logger

	mu   sync.RWMutex
	last Status

	okGauge         prometheus.Gauge
	cacheValidGauge prometheus.Gauge
	schemaGauge     prometheus.Gauge
	modeGauge       *prometheus.GaugeVec
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithCache attaches a last-known-good cache probe.
func WithCache(cache CacheProbe) MonitorOption {
	return func(m *Monitor) { m.cache = cache }
}

// WithRotation attaches a key rotation probe.
func WithRotation(rotation RotationProbe) MonitorOption {
	return func(m *Monitor) { m.rotation = rotation }
}

// WithPublisher attaches a publisher for pushing status payloads.
func WithPublisher(publisher Publisher) MonitorOption {
	return func(m *Monitor) { m.publisher = publisher }
}

// NewMonitor creates a monitor over the given store. The registerer may be
// nil to skip metric registration.
func NewMonitor(probe StoreProbe, registerer prometheus.Registerer, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:  probe,
		logger: logger,
		okGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confhub_health_ok",
			Help: "1 when the hub is fully operational.",
		}),
		cacheValidGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confhub_cache_valid",
			Help: "1 when the last-known-good cache passes signature verification.",
		}),
		schemaGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confhub_schema_version",
			Help: "Current store schema version.",
		}),
		modeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confhub_operational_mode",
			Help: "1 for the active operational mode, 0 otherwise.",
		}, []string{"mode"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if registerer != nil {
		registerer.MustRegister(m.okGauge, m.cacheValidGauge, m.schemaGauge, m.modeGauge)
	}
	return m
}

// Check assembles a fresh status payload and updates the gauges.
func (m *Monitor) Check(ctx context.Context) Status {
	status := Status{
		DatabaseStatus:  m.store.DatabaseStatus(),
		OperationalMode: m.store.Mode(),
		Epoch:           m.store.Epoch(),
		SchemaVersion:   m.store.SchemaVersionNumber(),
		Timestamp:       time.Now().UTC(),
	}

	if err := m.store.Ping(ctx); err != nil {
		status.Message = sanitizeErrorMessage(err.Error())
		status.DatabaseStatus = m.store.DatabaseStatus()
	}

	if m.cache != nil {
		status.CacheValid = m.cache.Valid()
		if age, err := m.cache.Age(); err == nil {
			status.CacheAge = age
		}
	}
	if m.rotation != nil {
		status.Rotation = m.rotation.Status()
	}

	status.Ok = status.DatabaseStatus == store.DatabaseHealthy &&
		status.OperationalMode == store.ModeNormal &&
		status.Message == ""

	m.updateGauges(status)

	m.mu.Lock()
	m.last = status
	m.mu.Unlock()

	return status
}

// Last returns the most recently assembled status.
func (m *Monitor) Last() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run refreshes and publishes the status until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.publish(m.Check(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(m.Check(ctx))
		}
	}
}

func (m *Monitor) publish(status Status) {
	if m.publisher == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		m.logger.Warn("failed to marshal health status", "error", err)
		return
	}
	if err := m.publisher.Publish(StatusSubject, payload); err != nil {
		m.logger.Warn("failed to publish health status", "error", err)
	}
}

func (m *Monitor) updateGauges(status Status) {
	setBool := func(g prometheus.Gauge, v bool) {
		if v {
			g.Set(1)
		} else {
			g.Set(0)
		}
	}
	setBool(m.okGauge, status.Ok)
	setBool(m.cacheValidGauge, status.CacheValid)
	m.schemaGauge.Set(float64(status.SchemaVersion))

	for _, mode := range []store.OperationalMode{store.ModeNormal, store.ModeReadOnlyFallback, store.ModeRebuilding} {
		value := 0.0
		if mode == status.OperationalMode {
			value = 1.0
		}
		m.modeGauge.WithLabelValues(string(mode)).Set(value)
	}
}
