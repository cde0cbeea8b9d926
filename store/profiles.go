package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/c360/confhub/errors"
)

// SaveProfile inserts or replaces a named profile. The services payload is
// stored as JSON.
func (s *Store) SaveProfile(ctx context.Context, profile Profile) error {
	if s.Mode() != ModeNormal {
		return errors.ErrSchemaMismatch
	}
	if profile.Name == "" {
		return errors.WrapInvalid(errors.New("profile name cannot be empty"),
			"store", "SaveProfile", "validate input")
	}

	servicesJSON, err := json.Marshal(profile.Services)
	if err != nil {
		return errors.WrapInvalid(err, "store", "SaveProfile", "encode services")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (name, description, services, created_at, created_by, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description, services = excluded.services,
			updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`, profile.Name, profile.Description, string(servicesJSON),
		now, profile.CreatedBy, now, profile.UpdatedBy)
	if err != nil {
		return s.classify(err, "SaveProfile", "persist profile")
	}
	return nil
}

// GetProfile returns one profile by name, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, name string) (*Profile, error) {
	var (
		profile      Profile
		servicesJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, services, created_at, created_by, updated_at, updated_by
		FROM profiles WHERE name = ?
	`, name).Scan(&profile.Name, &profile.Description, &servicesJSON,
		&profile.CreatedAt, &profile.CreatedBy, &profile.UpdatedAt, &profile.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err, "GetProfile", "query profile")
	}

	if err := json.Unmarshal([]byte(servicesJSON), &profile.Services); err != nil {
		s.markCorrupted()
		return nil, errors.WrapFatal(err, "store", "GetProfile", "decode services")
	}
	return &profile, nil
}

// ListProfiles returns every saved profile ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, services, created_at, created_by, updated_at, updated_by
		FROM profiles ORDER BY name
	`)
	if err != nil {
		return nil, s.classify(err, "ListProfiles", "query profiles")
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		var (
			profile      Profile
			servicesJSON string
		)
		if err := rows.Scan(&profile.Name, &profile.Description, &servicesJSON,
			&profile.CreatedAt, &profile.CreatedBy, &profile.UpdatedAt, &profile.UpdatedBy); err != nil {
			return nil, s.classify(err, "ListProfiles", "scan profile")
		}
		if err := json.Unmarshal([]byte(servicesJSON), &profile.Services); err != nil {
			s.markCorrupted()
			return nil, errors.WrapFatal(err, "store", "ListProfiles", "decode services")
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a profile by name.
func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return s.classify(err, "DeleteProfile", "delete profile")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.classify(err, "DeleteProfile", "check rows affected")
	}
	if affected == 0 {
		return errors.ErrNotFound
	}
	return nil
}
