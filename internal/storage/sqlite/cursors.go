package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetCursor returns the stored value or nil when the key is absent.
func (s *Store) GetCursor(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return json.RawMessage(value), nil
}

// SetCursor upserts the value.
func (s *Store) SetCursor(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("set %s/%s: value is not valid JSON", namespace, key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(value), toMS(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ListCursors returns every key of a namespace with its value.
func (s *Store) ListCursors(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}
