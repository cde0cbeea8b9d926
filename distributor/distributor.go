package distributor

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
)

// DefaultMaxEnvelopeAge bounds how old an envelope may be before a consumer
// treats it as stale. Retained envelopes older than this fall through to the
// store or the local cache instead.
const DefaultMaxEnvelopeAge = 5 * time.Minute

// clockSkewAllowance tolerates small clock drift between publisher and
// consumer when checking issue times.
const clockSkewAllowance = time.Minute

// Bus is the retained key-value surface envelopes are published to.
// *natsclient.KVStore satisfies it.
type Bus interface {
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

// errEnvelopeUnchanged aborts the CAS write when the retained envelope
// already matches what would be published.
var errEnvelopeUnchanged = errors.New("retained envelope unchanged")

// Publisher signs and publishes update envelopes onto the retained bus.
type Publisher struct {
	kv      Bus
	signKey ed25519.PrivateKey
	metrics *publisherMetrics
}

type publisherMetrics struct {
	published *prometheus.CounterVec
}

// NewPublisher creates a publisher over the given KV bucket. A nil registerer
// disables metrics.
func NewPublisher(kv Bus, signKey ed25519.PrivateKey, registerer prometheus.Registerer) *Publisher {
	p := &Publisher{kv: kv, signKey: signKey}
	if registerer != nil {
		p.metrics = &publisherMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "confhub_envelopes_published_total",
				Help: "Update envelopes published, by outcome",
			}, []string{"outcome"}),
		}
		registerer.MustRegister(p.metrics.published)
	}
	return p
}

// Publish builds, signs, and publishes the envelope for one service. The
// bucket retains the last envelope per service so late subscribers catch up
// without a replay. The write is a CAS read-modify-write that retries on
// revision conflicts, and re-publishing an unchanged envelope is a no-op,
// keeping retries idempotent.
func (p *Publisher) Publish(ctx context.Context, service string, config map[string]any, version int64, epoch string) error {
	envelope := &UpdateEnvelope{
		FormatVersion: FormatVersion,
		Service:       service,
		Config:        config,
		Version:       version,
		Epoch:         epoch,
		IssuedAt:      time.Now().UTC(),
	}
	if err := envelope.Sign(p.signKey); err != nil {
		return err
	}

	data, err := envelope.Encode()
	if err != nil {
		return err
	}

	err = p.kv.UpdateWithRetry(ctx, service, func(current []byte) ([]byte, error) {
		// Skip the write when the retained envelope already carries this
		// exact version and checksum; IssuedAt alone should not force a
		// republish.
		if len(current) > 0 {
			if prior, derr := DecodeEnvelope(current); derr == nil &&
				prior.Version == envelope.Version &&
				prior.Checksum == envelope.Checksum &&
				prior.Epoch == envelope.Epoch {
				return nil, errEnvelopeUnchanged
			}
		}
		return data, nil
	})
	if errors.Is(err, errEnvelopeUnchanged) {
		p.count("unchanged")
		return nil
	}
	if err != nil {
		p.count("error")
		return errors.WrapTransient(err, "Publisher", "Publish", "publish envelope")
	}
	p.count("published")
	return nil
}

func (p *Publisher) count(outcome string) {
	if p.metrics != nil {
		p.metrics.published.WithLabelValues(outcome).Inc()
	}
}

// seenEnvelope is the per-service high-water mark for replay detection.
type seenEnvelope struct {
	version  int64
	checksum string
}

// Verifier checks received envelopes: wire shape, format version, signature,
// checksum, freshness, epoch, and replay. At-least-once delivery means the
// identical envelope may arrive more than once; that is accepted, while an
// older or conflicting envelope is rejected.
type Verifier struct {
	publicKey ed25519.PublicKey
	epoch     string
	maxAge    time.Duration

	mu   sync.Mutex
	seen map[string]seenEnvelope
}

// NewVerifier creates a verifier pinned to an epoch. maxAge <= 0 uses
// DefaultMaxEnvelopeAge.
func NewVerifier(publicKey ed25519.PublicKey, epoch string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxEnvelopeAge
	}
	return &Verifier{
		publicKey: publicKey,
		epoch:     epoch,
		maxAge:    maxAge,
		seen:      make(map[string]seenEnvelope),
	}
}

// SetEpoch repins the verifier after a rebuild.
func (v *Verifier) SetEpoch(epoch string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.epoch = epoch
	v.seen = make(map[string]seenEnvelope)
}

// Verify decodes and fully validates raw envelope bytes. The returned
// envelope is safe to apply.
func (v *Verifier) Verify(data []byte) (*UpdateEnvelope, error) {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	if envelope.FormatVersion != FormatVersion {
		return nil, errors.WrapInvalid(
			errors.New("unsupported envelope format version"),
			"Verifier", "Verify", "check format version")
	}

	sig, err := decodeSignature(envelope.Signature)
	if err != nil {
		return nil, err
	}
	payload, err := envelope.canonicalPayload()
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyUpdate(payload, sig, v.publicKey) {
		return nil, errors.ErrSignatureInvalid
	}

	checksum, err := crypto.Checksum(envelope.Config)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Verifier", "Verify", "compute checksum")
	}
	if checksum != envelope.Checksum {
		return nil, errors.ErrChecksumFailed
	}

	now := time.Now().UTC()
	if envelope.IssuedAt.After(now.Add(clockSkewAllowance)) {
		return nil, errors.ErrReplayDetected
	}
	if now.Sub(envelope.IssuedAt) > v.maxAge {
		return nil, errors.ErrReplayDetected
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.epoch != "" && envelope.Epoch != v.epoch {
		return nil, errors.ErrEpochMismatch
	}

	last, ok := v.seen[envelope.Service]
	if ok {
		if envelope.Version < last.version {
			return nil, errors.ErrReplayDetected
		}
		if envelope.Version == last.version && envelope.Checksum != last.checksum {
			return nil, errors.ErrReplayDetected
		}
	}
	v.seen[envelope.Service] = seenEnvelope{version: envelope.Version, checksum: envelope.Checksum}

	return envelope, nil
}
