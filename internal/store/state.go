package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-conductor/internal/state"
)

// SaveEntries mirrors applied state writes. A row is only replaced by a
// newer version, so saves arriving out of order never roll a key back.
func (s *Store) SaveEntries(ctx context.Context, sessionID string, entries []state.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("marshal state %s/%s: %w", sessionID, e.Key, err)
		}
		var expires *time.Time
		if !e.ExpiresAt.IsZero() {
			t := e.ExpiresAt
			expires = &t
		}
		batch.Queue(`
			INSERT INTO state_entries (session_id, key, value, visibility, writer_id, expires_at, version, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
			ON CONFLICT (session_id, key) DO UPDATE SET
				value = EXCLUDED.value,
				visibility = EXCLUDED.visibility,
				writer_id = EXCLUDED.writer_id,
				expires_at = EXCLUDED.expires_at,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at
			WHERE state_entries.version < EXCLUDED.version`,
			sessionID, e.Key, value, string(e.Visibility), e.WriterID, expires, int64(e.Version), e.UpdatedAt,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save state %s: %w", sessionID, err)
	}
	return nil
}

// LoadEntries returns the stored entries of a session, including private
// ones; callers apply visibility.
func (s *Store) LoadEntries(ctx context.Context, sessionID string) ([]state.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, value, visibility, COALESCE(writer_id, ''), expires_at, version, updated_at
		FROM state_entries
		WHERE session_id = $1
		ORDER BY key`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []state.Entry
	for rows.Next() {
		var (
			e       state.Entry
			raw     []byte
			vis     string
			expires *time.Time
			version int64
		)
		if err := rows.Scan(&e.Key, &raw, &vis, &e.WriterID, &expires, &version, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state entry: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Value); err != nil {
				return nil, fmt.Errorf("decode state %s: %w", e.Key, err)
			}
		}
		e.Visibility = state.Visibility(vis)
		if expires != nil {
			e.ExpiresAt = *expires
		}
		e.Version = uint64(version)
		out = append(out, e)
	}
	return out, rows.Err()
}
