package orchestrator

import (
	"time"

	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/registry"
)

// Status is the overall state of an orchestration session.
type Status string

const (
	StatusExecuting Status = "executing"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the session has finished.
func (s Status) IsTerminal() bool {
	return s != StatusExecuting
}

// TaskPlan is the decomposition of one goal. It is never mutated after
// planning; re-planning produces a new plan.
type TaskPlan struct {
	ID             string     `json:"id"`
	Goal           string     `json:"goal"`
	Parallelizable bool       `json:"parallelizable"`
	Steps          []TaskStep `json:"steps"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// TaskStep is one unit of work in a plan.
type TaskStep struct {
	ID                   string             `json:"id"`
	Title                string             `json:"title"`
	Instruction          string             `json:"instruction,omitempty"`
	RequiredCapabilities []string           `json:"requiredCapabilities,omitempty"`
	AgentType            registry.AgentType `json:"agentType,omitempty"`
	DependsOn            []string           `json:"dependsOn,omitempty"`
	Mandatory            bool               `json:"mandatory,omitempty"`
	EstimateSec          int                `json:"estimateSec,omitempty"`
	// TimeoutSec overrides the hard timeout for this step only.
	TimeoutSec int `json:"timeoutSec,omitempty"`
}

// Estimate is the step's expected duration, zero when unknown.
func (s TaskStep) Estimate() time.Duration {
	return time.Duration(s.EstimateSec) * time.Second
}

func (s TaskStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// Options tune a single orchestration call.
type Options struct {
	CallerID       string         `json:"callerId,omitempty"`
	InitialContext map[string]any `json:"initialContext,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	// AllowPartial lets dependents of a failed job run instead of being skipped.
	AllowPartial bool `json:"allowPartial,omitempty"`
	// Plan, when set, is used instead of asking the planner.
	Plan *TaskPlan `json:"plan,omitempty"`
	// HardTimeoutMs overrides the configured hard per-job timeout for every
	// job of the session. Steps carrying their own timeout keep it.
	HardTimeoutMs int `json:"hardTimeoutMs,omitempty"`
}

func (o Options) hardTimeout() time.Duration {
	return time.Duration(o.HardTimeoutMs) * time.Millisecond
}

// Result is the caller-facing view of a session.
type Result struct {
	SessionID      string          `json:"sessionId"`
	Goal           string          `json:"goal"`
	Status         Status          `json:"status"`
	Plan           *TaskPlan       `json:"plan,omitempty"`
	Jobs           []*jobqueue.Job `json:"jobs"`
	JobIDs         []string        `json:"jobIds"`
	Results        map[string]any  `json:"results"`
	Errors         []string        `json:"errors"`
	CompletedTasks int             `json:"completedTasks"`
	TotalTasks     int             `json:"totalTasks"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// Summary is a compact listing entry for a session.
type Summary struct {
	SessionID      string     `json:"sessionId"`
	Goal           string     `json:"goal"`
	Status         Status     `json:"status"`
	CompletedTasks int        `json:"completedTasks"`
	RunningTasks   int        `json:"runningTasks"`
	TotalTasks     int        `json:"totalTasks"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}
