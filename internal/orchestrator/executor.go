package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
)

// ExecRequest is everything an agent gets to work on one job.
type ExecRequest struct {
	SessionID string          `json:"sessionId"`
	Goal      string          `json:"goal"`
	Job       *jobqueue.Job   `json:"job"`
	Agent     *registry.Agent `json:"agent"`
	// State holds the session entries the agent is allowed to read.
	State    map[string]any `json:"state"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecResult is an agent's output. State writes are committed in the same
// transaction as the job result.
type ExecResult struct {
	Output any           `json:"output"`
	State  []state.Write `json:"state,omitempty"`
}

// Executor performs a job on behalf of an agent.
type Executor interface {
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *ExecRequest) (*ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	return f(ctx, req)
}

// ExecutorSet dispatches to a per-agent executor, falling back to a default.
type ExecutorSet struct {
	byAgent  map[string]Executor
	fallback Executor
	mu       sync.RWMutex
}

// NewExecutorSet creates a set; fallback may be nil.
func NewExecutorSet(fallback Executor) *ExecutorSet {
	return &ExecutorSet{byAgent: make(map[string]Executor), fallback: fallback}
}

// Set binds an executor to an agent id.
func (s *ExecutorSet) Set(agentID string, e Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgent[agentID] = e
}

// Has reports whether an agent has its own executor.
func (s *ExecutorSet) Has(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAgent[agentID]
	return ok
}

func (s *ExecutorSet) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	s.mu.RLock()
	e, ok := s.byAgent[req.Agent.ID]
	if !ok {
		e = s.fallback
	}
	s.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("no executor for agent %s", req.Agent.ID)
	}
	return e.Execute(ctx, req)
}
