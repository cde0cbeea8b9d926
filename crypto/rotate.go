package crypto

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/confhub/errors"
)

// SecretRecord is one encrypted secret row as seen by the rotation job.
type SecretRecord struct {
	Service    string
	Key        string
	Ciphertext []byte
	KeyID      string
}

// SecretStore is the slice of the configuration store the rotation job needs:
// enumerate encrypted secrets and replace their ciphertext in place.
type SecretStore interface {
	ListEncryptedSecrets(ctx context.Context) ([]SecretRecord, error)
	ReplaceCiphertext(ctx context.Context, service, key string, ciphertext []byte, keyID string) error
}

// RotationState identifies where a rotation currently is.
type RotationState string

const (
	RotationIdle      RotationState = "idle"
	RotationRunning   RotationState = "running"
	RotationGrace     RotationState = "grace"
	RotationCompleted RotationState = "completed"
	RotationFailed    RotationState = "failed"
)

// RotationStatus is the externally visible progress of a rotation, surfaced
// through the health payload.
type RotationStatus struct {
	State         RotationState `json:"state"`
	Total         int64         `json:"total"`
	Reencrypted   int64         `json:"reencrypted"`
	Failed        int64         `json:"failed"`
	NewKeyID      string        `json:"new_key_id,omitempty"`
	GraceDeadline time.Time     `json:"grace_deadline,omitzero"`
}

// Rotator runs master-key rotation as an explicit background task with owned
// state: a progress counter and a grace-window deadline. It is not
// user-cancellable mid-secret; cancellation takes effect between secrets.
type Rotator struct {
	keys   *KeySet
	store  SecretStore
	keyDir string
	logger *slog.Logger

	mu       sync.Mutex
	state    RotationState
	deadline time.Time
	newKeyID string

	total       atomic.Int64
	reencrypted atomic.Int64
	failed      atomic.Int64
}

// NewRotator creates a rotation job bound to a key set and secret store.
func NewRotator(keys *KeySet, store SecretStore, keyDir string, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		keys:   keys,
		store:  store,
		keyDir: keyDir,
		logger: logger,
		state:  RotationIdle,
	}
}

// Status returns a snapshot of rotation progress.
func (r *Rotator) Status() RotationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RotationStatus{
		State:         r.state,
		Total:         r.total.Load(),
		Reencrypted:   r.reencrypted.Load(),
		Failed:        r.failed.Load(),
		NewKeyID:      r.newKeyID,
		GraceDeadline: r.deadline,
	}
}

// Rotate generates a new master key, re-encrypts every stored secret under
// it, and retires the old key after the grace window. During the window,
// decryption accepts either key id; afterwards the old key is unusable.
//
// Rotate blocks until re-encryption completes (or ctx is cancelled); the
// grace-window expiry and old-key removal run in the background.
func (r *Rotator) Rotate(ctx context.Context, graceWindow time.Duration) error {
	r.mu.Lock()
	if r.state == RotationRunning || r.state == RotationGrace {
		r.mu.Unlock()
		return errors.ErrRotationBusy
	}
	r.state = RotationRunning
	r.total.Store(0)
	r.reencrypted.Store(0)
	r.failed.Store(0)
	r.mu.Unlock()

	newKey, err := GenerateKey()
	if err != nil {
		r.setState(RotationFailed)
		return errors.WrapFatal(err, "Rotator", "Rotate", "generate new key")
	}

	_, oldKeyID := r.keys.MasterKey()
	if err := r.keys.beginRotation(newKey, graceWindow); err != nil {
		r.setState(RotationFailed)
		return err
	}
	newKeyID := KeyID(newKey)

	r.mu.Lock()
	r.newKeyID = newKeyID
	r.deadline = time.Now().Add(graceWindow)
	r.mu.Unlock()

	r.logger.Info("master key rotation started",
		"old_key_id", oldKeyID,
		"new_key_id", newKeyID,
		"grace_window", graceWindow)

	secrets, err := r.store.ListEncryptedSecrets(ctx)
	if err != nil {
		r.abort()
		return errors.WrapTransient(err, "Rotator", "Rotate", "list secrets")
	}
	r.total.Store(int64(len(secrets)))

	for _, record := range secrets {
		if ctx.Err() != nil {
			r.abort()
			return errors.WrapTransient(ctx.Err(), "Rotator", "Rotate", "rotation interrupted")
		}
		if record.KeyID == newKeyID {
			r.reencrypted.Add(1)
			continue
		}

		if err := r.reencryptOne(ctx, record, newKey, newKeyID); err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to re-encrypt secret",
				"service", record.Service,
				"config_key", record.Key,
				"error", err)
			continue
		}
		r.reencrypted.Add(1)
	}

	if err := r.keys.persistMasterKey(r.keyDir); err != nil {
		r.abort()
		return err
	}

	r.setState(RotationGrace)
	r.logger.Info("master key rotation re-encryption complete",
		"reencrypted", r.reencrypted.Load(),
		"failed", r.failed.Load())

	go r.expireGrace(graceWindow)
	return nil
}

func (r *Rotator) reencryptOne(ctx context.Context, record SecretRecord, newKey []byte, newKeyID string) error {
	oldKey, err := r.keys.KeyForID(record.KeyID)
	if err != nil {
		return err
	}

	aad := SecretAAD(record.Service, record.Key)
	plaintext, err := DecryptSecret(oldKey, record.Ciphertext, aad)
	if err != nil {
		return err
	}

	ciphertext, err := EncryptSecret(newKey, plaintext, aad)
	if err != nil {
		return err
	}

	return r.store.ReplaceCiphertext(ctx, record.Service, record.Key, ciphertext, newKeyID)
}

func (r *Rotator) expireGrace(graceWindow time.Duration) {
	timer := time.NewTimer(graceWindow)
	defer timer.Stop()
	<-timer.C

	r.keys.finishRotation()
	r.setState(RotationCompleted)
	r.logger.Info("master key rotation grace window closed, old key retired")
}

// abort unwinds a rotation that failed after the key swap so a later Rotate
// call starts from a clean key set instead of hitting ErrRotationBusy.
func (r *Rotator) abort() {
	r.keys.rollbackRotation()
	r.setState(RotationFailed)
}

func (r *Rotator) setState(state RotationState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}
