package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunningJob describes an execution currently holding a pool slot.
type RunningJob struct {
	JobID     string    `json:"jobId"`
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	StartedAt time.Time `json:"startedAt"`
}

// outcome is what a dispatched job reports back to its session loop.
type outcome struct {
	jobID    string
	agentID  string
	result   *ExecResult
	err      error
	duration time.Duration
}

// Scheduler runs job executions on a bounded goroutine pool shared by all
// sessions and applies the soft and hard watchdogs.
type Scheduler struct {
	executor Executor
	pool     chan struct{}
	soft     time.Duration
	hard     time.Duration
	overdue  func(req *ExecRequest, elapsed time.Duration)
	mu       sync.RWMutex
	running  map[string]*RunningJob
	logger   *zap.Logger
}

// NewScheduler creates a scheduler with poolSize concurrent executions. soft
// applies to jobs without an estimate; hard of zero disables the hard timeout.
func NewScheduler(executor Executor, poolSize int, soft, hard time.Duration, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Scheduler{
		executor: executor,
		pool:     make(chan struct{}, poolSize),
		soft:     soft,
		hard:     hard,
		running:  make(map[string]*RunningJob),
		logger:   logger,
	}
}

// Dispatch starts the execution in the background and sends its outcome to
// results. The results channel must be drained by the caller.
func (s *Scheduler) Dispatch(ctx context.Context, req *ExecRequest, results chan<- outcome) {
	go func() {
		select {
		case s.pool <- struct{}{}: // acquire slot
		case <-ctx.Done():
			results <- outcome{jobID: req.Job.ID, agentID: req.Agent.ID,
				err: fmt.Errorf("%w: %w", ErrJobExecution, ctx.Err())}
			return
		}
		defer func() { <-s.pool }() // release slot

		results <- s.execute(ctx, req)
	}()
}

func (s *Scheduler) execute(ctx context.Context, req *ExecRequest) outcome {
	start := time.Now()
	s.mu.Lock()
	s.running[req.Job.ID] = &RunningJob{
		JobID:     req.Job.ID,
		SessionID: req.SessionID,
		AgentID:   req.Agent.ID,
		StartedAt: start,
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, req.Job.ID)
		s.mu.Unlock()
	}()

	soft := req.Job.Estimate
	if soft <= 0 {
		soft = s.soft
	}
	if soft > 0 && s.overdue != nil {
		watchdog := time.AfterFunc(soft, func() { s.overdue(req, time.Since(start)) })
		defer watchdog.Stop()
	}

	hard := req.Job.Timeout
	if hard <= 0 {
		hard = s.hard
	}
	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if hard > 0 {
		execCtx, cancel = context.WithTimeout(ctx, hard)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrJobExecution, r)}
			}
		}()
		res, err := s.executor.Execute(execCtx, req)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		// The executor ignored its deadline; its late result is dropped.
		out = outcome{err: execCtx.Err()}
	}
	out.jobID = req.Job.ID
	out.agentID = req.Agent.ID
	out.duration = time.Since(start)

	switch {
	case out.err == nil:
		if out.result == nil {
			out.result = &ExecResult{}
		}
	case hard > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		out.err = fmt.Errorf("%w after %s", ErrJobTimeout, hard)
	case !errors.Is(out.err, ErrJobExecution):
		out.err = fmt.Errorf("%w: %w", ErrJobExecution, out.err)
	}

	s.logger.Debug("job execution finished",
		zap.String("job", req.Job.ID),
		zap.String("agent", req.Agent.ID),
		zap.Duration("duration", out.duration),
		zap.Error(out.err))
	return out
}

// Running returns executions currently holding a slot, oldest first.
func (s *Scheduler) Running() []RunningJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunningJob, 0, len(s.running))
	for _, r := range s.running {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
