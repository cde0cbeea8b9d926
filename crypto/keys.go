package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/c360/confhub/errors"
)

const (
	masterKeyFile  = "master.key"
	signingKeyFile = "signing.key"
	hmacKeyFile    = "hmac.key"

	keyFileMode = 0o600
	keyDirMode  = 0o700
)

// KeySet holds all key material for one confhub instance. Keys are generated
// on first run if the key directory is empty.
type KeySet struct {
	mu sync.RWMutex

	masterKey   []byte
	masterKeyID string

	// Retained during a rotation grace window only
	previousKey    []byte
	previousKeyID  string
	graceDeadline  time.Time
	rotationActive bool

	signingPrivate ed25519.PrivateKey
	signingPublic  ed25519.PublicKey

	hmacSeed []byte
	cacheKey []byte
	tokenKey []byte
}

// LoadOrCreateKeySet loads key material from dir, generating any missing keys.
// The directory is created with owner-only permissions if absent.
func LoadOrCreateKeySet(dir string) (*KeySet, error) {
	if err := os.MkdirAll(dir, keyDirMode); err != nil {
		return nil, errors.WrapFatal(err, "crypto", "LoadOrCreateKeySet", "create key directory")
	}

	masterKey, err := loadOrCreateKey(filepath.Join(dir, masterKeyFile), KeyLength)
	if err != nil {
		return nil, err
	}

	seed, err := loadOrCreateKey(filepath.Join(dir, signingKeyFile), ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	private := ed25519.NewKeyFromSeed(seed)

	hmacSeed, err := loadOrCreateKey(filepath.Join(dir, hmacKeyFile), KeyLength)
	if err != nil {
		return nil, err
	}

	ks := &KeySet{
		masterKey:      masterKey,
		masterKeyID:    KeyID(masterKey),
		signingPrivate: private,
		signingPublic:  private.Public().(ed25519.PublicKey),
		hmacSeed:       hmacSeed,
	}
	if err := ks.deriveSubkeys(); err != nil {
		return nil, err
	}
	return ks, nil
}

// deriveSubkeys derives the per-purpose HMAC keys from the hmac seed so one
// seed file covers both the cache signature and the anti-forgery token key.
func (ks *KeySet) deriveSubkeys() error {
	cacheKey, err := deriveKey(ks.hmacSeed, "confhub/lkg-cache/v1")
	if err != nil {
		return err
	}
	tokenKey, err := deriveKey(ks.hmacSeed, "confhub/antiforgery-token/v1")
	if err != nil {
		return err
	}
	ks.cacheKey = cacheKey
	ks.tokenKey = tokenKey
	return nil
}

func deriveKey(seed []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.WrapFatal(err, "crypto", "deriveKey", "derive subkey")
	}
	return key, nil
}

func loadOrCreateKey(path string, length int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != length {
			return nil, errors.WrapFatal(
				fmt.Errorf("%s: expected %d bytes, found %d", filepath.Base(path), length, len(data)),
				"crypto", "loadOrCreateKey", "validate key file")
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.WrapFatal(errors.ErrKeyUnreadable, "crypto", "loadOrCreateKey", "read key file")
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.WrapFatal(err, "crypto", "loadOrCreateKey", "generate key")
	}
	if err := os.WriteFile(path, key, keyFileMode); err != nil {
		return nil, errors.WrapFatal(err, "crypto", "loadOrCreateKey", "persist key")
	}
	return key, nil
}

// MasterKey returns the current master key and its id.
func (ks *KeySet) MasterKey() ([]byte, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.masterKey, ks.masterKeyID
}

// SigningKey returns the Ed25519 private key used to sign update envelopes.
func (ks *KeySet) SigningKey() ed25519.PrivateKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signingPrivate
}

// PublicKey returns the Ed25519 public key clients verify envelopes against.
func (ks *KeySet) PublicKey() ed25519.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signingPublic
}

// CacheKey returns the keyed-hash key for LKG cache signatures.
func (ks *KeySet) CacheKey() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.cacheKey
}

// TokenKey returns the keyed-hash key for anti-forgery tokens.
func (ks *KeySet) TokenKey() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.tokenKey
}

// KeyForID resolves a key id to key bytes. The current master key always
// resolves; the previous key resolves only while a rotation grace window is
// open. Expired grace windows return ErrGraceExpired, unknown ids return
// ErrKeyNotFound.
func (ks *KeySet) KeyForID(id string) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if id == ks.masterKeyID {
		return ks.masterKey, nil
	}
	if id == ks.previousKeyID && ks.previousKeyID != "" {
		if ks.previousKey == nil || time.Now().After(ks.graceDeadline) {
			return nil, errors.ErrGraceExpired
		}
		return ks.previousKey, nil
	}
	return nil, errors.ErrKeyNotFound
}

// beginRotation installs newKey as the master key and retains the old key for
// the grace window. Called by the Rotator only.
func (ks *KeySet) beginRotation(newKey []byte, grace time.Duration) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.rotationActive {
		return errors.ErrRotationBusy
	}
	if len(newKey) != KeyLength {
		return errors.WrapInvalid(
			fmt.Errorf("new key must be %d bytes", KeyLength),
			"crypto", "beginRotation", "validate key")
	}

	ks.previousKey = ks.masterKey
	ks.previousKeyID = ks.masterKeyID
	ks.masterKey = newKey
	ks.masterKeyID = KeyID(newKey)
	ks.graceDeadline = time.Now().Add(grace)
	ks.rotationActive = true
	return nil
}

// finishRotation drops the old key bytes once re-encryption has completed and
// the grace window has closed. The retired key id is kept so decrypts against
// it report an expired grace window rather than an unknown key.
func (ks *KeySet) finishRotation() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.previousKey = nil
	ks.rotationActive = false
}

// rollbackRotation restores the prior master key after a failed rotation
// attempt so a later attempt can begin cleanly. The abandoned key stays
// resolvable as the previous key until the grace deadline, keeping any records
// re-encrypted before the failure readable.
func (ks *KeySet) rollbackRotation() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.rotationActive {
		return
	}
	abandoned, abandonedID := ks.masterKey, ks.masterKeyID
	ks.masterKey = ks.previousKey
	ks.masterKeyID = ks.previousKeyID
	ks.previousKey = abandoned
	ks.previousKeyID = abandonedID
	ks.rotationActive = false
}

// persistMasterKey writes the current master key to the key directory so a
// restart picks up the rotated key.
func (ks *KeySet) persistMasterKey(dir string) error {
	ks.mu.RLock()
	key := ks.masterKey
	ks.mu.RUnlock()

	tmp := filepath.Join(dir, masterKeyFile+".tmp")
	if err := os.WriteFile(tmp, key, keyFileMode); err != nil {
		return errors.WrapFatal(err, "crypto", "persistMasterKey", "write key")
	}
	if err := os.Rename(tmp, filepath.Join(dir, masterKeyFile)); err != nil {
		return errors.WrapFatal(err, "crypto", "persistMasterKey", "replace key file")
	}
	return nil
}
