package store

import (
	"context"
	"sort"
	"strings"

	"github.com/c360/confhub/errors"
)

// Search finds config items whose key or description matches the query,
// ranked exact key, then key prefix, then key substring, then description
// substring. Ties break by service then key, ascending. Matching is
// case-insensitive. An empty query returns no results. serviceFilter and
// categoryFilter narrow the result set when non-empty.
func (s *Store) Search(ctx context.Context, query, serviceFilter, categoryFilter string) ([]SearchResult, error) {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return []SearchResult{}, nil
	}

	sqlQuery := `
		SELECT service, key, value, type, category, description, secret, updated_at, updated_by
		FROM config_items
		WHERE (lower(key) LIKE '%' || ? || '%' OR lower(description) LIKE '%' || ? || '%')`
	args := []any{query, query}
	if serviceFilter != "" {
		sqlQuery += " AND service = ?"
		args = append(args, serviceFilter)
	}
	if categoryFilter != "" {
		sqlQuery += " AND category = ?"
		args = append(args, categoryFilter)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, s.classify(err, "Search", "query items")
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var item ConfigItem
		if err := rows.Scan(&item.Service, &item.Key, &item.Value, &item.Type,
			&item.Category, &item.Description, &item.Secret, &item.UpdatedAt, &item.UpdatedBy); err != nil {
			return nil, s.classify(err, "Search", "scan item")
		}
		rank, ok := rankMatch(item, query)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Item: item, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "Search", "iterate items")
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank < results[j].Rank
		}
		if results[i].Item.Service != results[j].Item.Service {
			return results[i].Item.Service < results[j].Item.Service
		}
		return results[i].Item.Key < results[j].Item.Key
	})
	return results, nil
}

func rankMatch(item ConfigItem, query string) (int, bool) {
	key := strings.ToLower(item.Key)
	switch {
	case key == query:
		return RankExactKey, true
	case strings.HasPrefix(key, query):
		return RankKeyPrefix, true
	case strings.Contains(key, query):
		return RankKeySubstring, true
	case strings.Contains(strings.ToLower(item.Description), query):
		return RankDescSubstring, true
	default:
		return 0, false
	}
}

// ListItems returns all index rows for one service ordered by key, or for
// every service when service is empty.
func (s *Store) ListItems(ctx context.Context, service string) ([]ConfigItem, error) {
	query := `
		SELECT service, key, value, type, category, description, secret, updated_at, updated_by
		FROM config_items`
	args := []any{}
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY service, key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err, "ListItems", "query items")
	}
	defer rows.Close()

	items := []ConfigItem{}
	for rows.Next() {
		var item ConfigItem
		if err := rows.Scan(&item.Service, &item.Key, &item.Value, &item.Type,
			&item.Category, &item.Description, &item.Secret, &item.UpdatedAt, &item.UpdatedBy); err != nil {
			return nil, s.classify(err, "ListItems", "scan item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItem returns a single index row.
func (s *Store) GetItem(ctx context.Context, service, key string) (*ConfigItem, error) {
	items, err := s.ListItems(ctx, service)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Key == key {
			return &items[i], nil
		}
	}
	return nil, errors.ErrNotFound
}
