package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendAccessLog records one access decision. Failures are logged but never
// block the operation being audited.
func (s *Store) AppendAccessLog(ctx context.Context, entry AccessLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_log (id, principal, action, service, key, success, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Principal, entry.Action, entry.Service, entry.Key,
		entry.Success, entry.Reason, entry.Timestamp)
	if err != nil {
		return s.classify(err, "AppendAccessLog", "insert entry")
	}
	return nil
}

// ListAccessLog returns entries newest first, up to limit. A limit of 0 uses
// a default of 100.
func (s *Store) ListAccessLog(ctx context.Context, limit int) ([]AccessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal, action, service, key, success, reason, timestamp
		FROM access_log ORDER BY timestamp DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, s.classify(err, "ListAccessLog", "query entries")
	}
	defer rows.Close()

	entries := []AccessLogEntry{}
	for rows.Next() {
		var entry AccessLogEntry
		if err := rows.Scan(&entry.ID, &entry.Principal, &entry.Action, &entry.Service,
			&entry.Key, &entry.Success, &entry.Reason, &entry.Timestamp); err != nil {
			return nil, s.classify(err, "ListAccessLog", "scan entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
