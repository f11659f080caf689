package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/eventlog"
)

// AppendLog stores one orchestration log entry.
func (s *Store) AppendLog(ctx context.Context, e eventlog.Entry) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal log data: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO orchestration_logs (entry_id, ts, level, source, message, session_id, job_id, agent_id, data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.Timestamp, string(e.Level), e.Source, e.Message, e.SessionID, e.JobID, e.AgentID, data,
	)
	if err != nil {
		return fmt.Errorf("append log %d: %w", e.ID, err)
	}
	return nil
}

// SessionLogs returns the stored entries of a session in time order.
func (s *Store) SessionLogs(ctx context.Context, sessionID string, limit int) ([]eventlog.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
		SELECT entry_id, ts, level, source, message,
		       COALESCE(session_id, ''), COALESCE(job_id, ''), COALESCE(agent_id, ''), data
		FROM orchestration_logs
		WHERE session_id = $1
		ORDER BY ts ASC, seq ASC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []eventlog.Entry
	for rows.Next() {
		var (
			e     eventlog.Entry
			level string
			data  []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Source, &e.Message,
			&e.SessionID, &e.JobID, &e.AgentID, &data); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Level = eventlog.Level(level)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode log data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogs deletes entries older than before and returns how many went.
func (s *Store) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM orchestration_logs WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
