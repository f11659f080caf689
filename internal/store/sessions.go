package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
)

const upsertJob = `
	INSERT INTO jobs (id, session_id, step_id, title, status, agent_id, attempts, depends_on,
	                  mandatory, result, error, started_at, completed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, NULLIF($11, ''), $12, $13, NOW())
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		agent_id = EXCLUDED.agent_id,
		attempts = EXCLUDED.attempts,
		result = EXCLUDED.result,
		error = EXCLUDED.error,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = NOW()`

// RecordPlan stores a new session with its plan and pending jobs.
func (s *Store) RecordPlan(ctx context.Context, sessionID string, plan *orchestrator.TaskPlan, jobs []*jobqueue.Job) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orchestration_sessions (id, goal, status, plan, total_tasks, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		sessionID, plan.Goal, string(orchestrator.StatusExecuting), planJSON, len(jobs), plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sessionID, err)
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		args, err := jobArgs(j)
		if err != nil {
			return err
		}
		batch.Queue(upsertJob, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert jobs of %s: %w", sessionID, err)
	}
	return tx.Commit(ctx)
}

// RecordJob stores a job's latest status.
func (s *Store) RecordJob(ctx context.Context, j *jobqueue.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertJob, args...); err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// RecordSession stores the aggregated outcome of a finished session.
func (s *Store) RecordSession(ctx context.Context, res *orchestrator.Result) error {
	results, err := json.Marshal(res.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	errs, err := json.Marshal(res.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	var meta []byte
	if len(res.Metadata) > 0 {
		if meta, err = json.Marshal(res.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err = s.db.Exec(ctx, `
		UPDATE orchestration_sessions SET
			status = $2, results = $3, errors = $4, metadata = $5,
			completed_tasks = $6, total_tasks = $7, finished_at = $8
		WHERE id = $1`,
		res.SessionID, string(res.Status), results, errs, meta,
		res.CompletedTasks, res.TotalTasks, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", res.SessionID, err)
	}
	return nil
}

// ListSessions returns stored session summaries, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]orchestrator.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, goal, status, completed_tasks, total_tasks, started_at, finished_at
		FROM orchestration_sessions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Summary
	for rows.Next() {
		var (
			sum    orchestrator.Summary
			status string
		)
		if err := rows.Scan(&sum.SessionID, &sum.Goal, &status, &sum.CompletedTasks,
			&sum.TotalTasks, &sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = orchestrator.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SessionResult rebuilds a finished or interrupted session from its stored
// row and jobs.
func (s *Store) SessionResult(ctx context.Context, sessionID string) (*orchestrator.Result, error) {
	var (
		res                       orchestrator.Result
		status                    string
		plan, results, errs, meta []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, goal, status, plan, results, errors, metadata,
		       completed_tasks, total_tasks, started_at, finished_at
		FROM orchestration_sessions
		WHERE id = $1`, sessionID).Scan(&res.SessionID, &res.Goal, &status, &plan, &results, &errs,
		&meta, &res.CompletedTasks, &res.TotalTasks, &res.StartedAt, &res.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stored session %s: %w", sessionID, orchestrator.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	res.Status = orchestrator.Status(status)

	for _, f := range []struct {
		raw  []byte
		into any
	}{{plan, &res.Plan}, {results, &res.Results}, {errs, &res.Errors}, {meta, &res.Metadata}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.into); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
	}

	if res.Jobs, err = s.SessionJobs(ctx, sessionID); err != nil {
		return nil, err
	}
	res.JobIDs = make([]string, len(res.Jobs))
	for i, j := range res.Jobs {
		res.JobIDs[i] = j.ID
	}
	if res.Results == nil {
		res.Results = map[string]any{}
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	return &res, nil
}

// SessionJobs returns the stored jobs of a session in step order.
func (s *Store) SessionJobs(ctx context.Context, sessionID string) ([]*jobqueue.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, step_id, title, status, COALESCE(agent_id, ''), attempts, depends_on,
		       mandatory, result, COALESCE(error, ''), started_at, completed_at
		FROM jobs
		WHERE session_id = $1
		ORDER BY step_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query jobs of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*jobqueue.Job
	for rows.Next() {
		var (
			j            jobqueue.Job
			status       string
			deps, result []byte
		)
		if err := rows.Scan(&j.ID, &j.StepID, &j.Title, &status, &j.AgentID, &j.Attempts, &deps,
			&j.Mandatory, &result, &j.Error, &j.StartedAt, &j.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.SessionID = sessionID
		j.Status = jobqueue.Status(status)
		if len(deps) > 0 {
			if err := json.Unmarshal(deps, &j.DependsOn); err != nil {
				return nil, fmt.Errorf("decode dependencies of %s: %w", j.ID, err)
			}
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &j.Result); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", j.ID, err)
			}
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func jobArgs(j *jobqueue.Job) ([]any, error) {
	deps := j.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies of %s: %w", j.ID, err)
	}
	var result []byte
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, fmt.Errorf("marshal result of %s: %w", j.ID, err)
		}
	}
	return []any{
		j.ID, j.SessionID, j.StepID, j.Title, string(j.Status), j.AgentID, j.Attempts,
		depsJSON, j.Mandatory, result, j.Error, j.StartedAt, j.CompletedAt,
	}, nil
}
