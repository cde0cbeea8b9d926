package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
)

// StoreSecret encrypts a secret value under the current master key and
// persists the ciphertext. Plaintext never touches the database.
func (s *Store) StoreSecret(ctx context.Context, service, key string, plaintext []byte, keys *crypto.KeySet) error {
	if s.Mode() != ModeNormal {
		return errors.ErrSchemaMismatch
	}

	masterKey, keyID := keys.MasterKey()
	ciphertext, err := crypto.EncryptSecret(masterKey, plaintext, crypto.SecretAAD(service, key))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO encrypted_secrets (service, key, ciphertext, key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, key) DO UPDATE SET
			ciphertext = excluded.ciphertext, key_id = excluded.key_id, updated_at = excluded.updated_at
	`, service, key, ciphertext, keyID, now, now)
	if err != nil {
		return s.classify(err, "StoreSecret", "persist ciphertext")
	}
	return nil
}

// RetrieveSecret decrypts and returns the secret for service/key. During a
// rotation grace window secrets still under the previous key id remain
// readable; after grace expiry they fail with ErrGraceExpired.
func (s *Store) RetrieveSecret(ctx context.Context, service, key string, keys *crypto.KeySet) ([]byte, error) {
	var (
		ciphertext []byte
		keyID      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, key_id FROM encrypted_secrets WHERE service = ? AND key = ?
	`, service, key).Scan(&ciphertext, &keyID)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err, "RetrieveSecret", "query ciphertext")
	}

	decKey, err := keys.KeyForID(keyID)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptSecret(decKey, ciphertext, crypto.SecretAAD(service, key))
}

// DeleteSecret removes a stored secret.
func (s *Store) DeleteSecret(ctx context.Context, service, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM encrypted_secrets WHERE service = ? AND key = ?`, service, key)
	if err != nil {
		return s.classify(err, "DeleteSecret", "delete ciphertext")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.classify(err, "DeleteSecret", "check rows affected")
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// ListEncryptedSecrets returns every stored ciphertext with its key id,
// ordered by service then key. Part of the rotation contract.
func (s *Store) ListEncryptedSecrets(ctx context.Context) ([]crypto.SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, key, ciphertext, key_id FROM encrypted_secrets ORDER BY service, key
	`)
	if err != nil {
		return nil, s.classify(err, "ListEncryptedSecrets", "query secrets")
	}
	defer rows.Close()

	records := []crypto.SecretRecord{}
	for rows.Next() {
		var rec crypto.SecretRecord
		if err := rows.Scan(&rec.Service, &rec.Key, &rec.Ciphertext, &rec.KeyID); err != nil {
			return nil, s.classify(err, "ListEncryptedSecrets", "scan secret")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReplaceCiphertext swaps one secret's ciphertext for a re-encrypted copy
// under a new key id. Part of the rotation contract.
func (s *Store) ReplaceCiphertext(ctx context.Context, service, key string, ciphertext []byte, keyID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE encrypted_secrets SET ciphertext = ?, key_id = ?, updated_at = ?
		WHERE service = ? AND key = ?
	`, ciphertext, keyID, time.Now().UTC(), service, key)
	if err != nil {
		return s.classify(err, "ReplaceCiphertext", "update ciphertext")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.classify(err, "ReplaceCiphertext", "check rows affected")
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}
