package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/store"
)

type fakeProbe struct {
	pingErr  error
	mode     store.OperationalMode
	dbStatus store.DatabaseStatus
	epoch    string
	schema   int64
}

func (f *fakeProbe) Ping(context.Context) error           { return f.pingErr }
func (f *fakeProbe) Mode() store.OperationalMode          { return f.mode }
func (f *fakeProbe) DatabaseStatus() store.DatabaseStatus { return f.dbStatus }
func (f *fakeProbe) Epoch() string                        { return f.epoch }
func (f *fakeProbe) SchemaVersionNumber() int64           { return f.schema }

type fakeCache struct {
	valid bool
	age   time.Duration
}

func (f *fakeCache) Valid() bool                 { return f.valid }
func (f *fakeCache) Age() (time.Duration, error) { return f.age, nil }

type fakeRotation struct {
	status crypto.RotationStatus
}

func (f *fakeRotation) Status() crypto.RotationStatus { return f.status }

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func healthyProbe() *fakeProbe {
	return &fakeProbe{
		mode:     store.ModeNormal,
		dbStatus: store.DatabaseHealthy,
		epoch:    "epoch-1",
		schema:   3,
	}
}

func TestCheckHealthy(t *testing.T) {
	probe := healthyProbe()
	m := NewMonitor(probe, prometheus.NewRegistry(), nil,
		WithCache(&fakeCache{valid: true, age: 30 * time.Second}))

	status := m.Check(context.Background())

	assert.True(t, status.Ok)
	assert.Equal(t, store.DatabaseHealthy, status.DatabaseStatus)
	assert.Equal(t, store.ModeNormal, status.OperationalMode)
	assert.Equal(t, "epoch-1", status.Epoch)
	assert.Equal(t, int64(3), status.SchemaVersion)
	assert.True(t, status.CacheValid)
	assert.Equal(t, 30*time.Second, status.CacheAge)
	assert.Empty(t, status.Message)
	assert.True(t, status.IsHealthy())
}

func TestCheckReadOnlyFallbackNotOk(t *testing.T) {
	probe := healthyProbe()
	probe.mode = store.ModeReadOnlyFallback
	probe.dbStatus = store.DatabaseSchemaMismatch

	m := NewMonitor(probe, prometheus.NewRegistry(), nil)
	status := m.Check(context.Background())

	assert.False(t, status.Ok)
	assert.Equal(t, store.DatabaseSchemaMismatch, status.DatabaseStatus)
	assert.Equal(t, store.ModeReadOnlyFallback, status.OperationalMode)
	assert.True(t, status.IsDegraded())
}

func TestCheckPingFailureSanitized(t *testing.T) {
	probe := healthyProbe()
	probe.pingErr = errors.New("dial failed: nats://10.0.0.5:4222 password=hunter2")

	m := NewMonitor(probe, prometheus.NewRegistry(), nil)
	status := m.Check(context.Background())

	assert.False(t, status.Ok)
	assert.NotContains(t, status.Message, "10.0.0.5")
	assert.NotContains(t, status.Message, "hunter2")
	assert.NotContains(t, status.Message, "nats://")
}

func TestCheckRotationStatusIncluded(t *testing.T) {
	probe := healthyProbe()
	rotation := &fakeRotation{status: crypto.RotationStatus{
		State:       crypto.RotationGrace,
		Total:       10,
		Reencrypted: 10,
	}}

	m := NewMonitor(probe, prometheus.NewRegistry(), nil, WithRotation(rotation))
	status := m.Check(context.Background())

	assert.Equal(t, crypto.RotationGrace, status.Rotation.State)
	assert.Equal(t, int64(10), status.Rotation.Reencrypted)
}

func TestLastReturnsMostRecent(t *testing.T) {
	probe := healthyProbe()
	m := NewMonitor(probe, prometheus.NewRegistry(), nil)

	assert.False(t, m.Last().Ok)

	m.Check(context.Background())
	assert.True(t, m.Last().Ok)

	probe.mode = store.ModeRebuilding
	m.Check(context.Background())
	assert.False(t, m.Last().Ok)
	assert.Equal(t, store.ModeRebuilding, m.Last().OperationalMode)
}

func TestRunPublishes(t *testing.T) {
	probe := healthyProbe()
	pub := &capturePublisher{}
	m := NewMonitor(probe, prometheus.NewRegistry(), nil, WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.payloads) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, StatusSubject, pub.subjects[0])

	var status Status
	require.NoError(t, json.Unmarshal(pub.payloads[0], &status))
	assert.True(t, status.Ok)
	assert.Equal(t, "epoch-1", status.Epoch)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		mustMiss []string
	}{
		{"empty", "", nil},
		{"http url", "GET https://admin:pw@example.com/v1 failed", []string{"example.com"}},
		{"nats url", "connect nats://127.0.0.1:4222 refused", []string{"127.0.0.1", "nats://"}},
		{"unix path", "open /var/lib/confhub/store.db: locked", []string{"/var/lib"}},
		{"ip and port", "dial 192.168.1.100:8080 timeout", []string{"192.168.1.100", "8080"}},
		{"credential", "auth failed token=abc123", []string{"abc123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeErrorMessage(tt.input)
			for _, miss := range tt.mustMiss {
				assert.NotContains(t, got, miss)
			}
		})
	}
}
