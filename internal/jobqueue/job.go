package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusSkipped
}

var transitions = map[Status][]Status{
	StatusPending: {StatusReady, StatusSkipped},
	StatusReady:   {StatusRunning, StatusFailed, StatusSkipped},
	StatusRunning: {StatusComplete, StatusFailed, StatusReady, StatusSkipped},
}

// Transition returns nil if from -> to is legal.
func Transition(from, to Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

// Job is the runtime instance of one plan step within a session.
type Job struct {
	ID                   string        `json:"id"`
	SessionID            string        `json:"sessionId"`
	StepID               string        `json:"stepId"`
	Title                string        `json:"title"`
	Instruction          string        `json:"instruction,omitempty"`
	RequiredCapabilities []string      `json:"requiredCapabilities,omitempty"`
	AgentType            string        `json:"agentType,omitempty"`
	DependsOn            []string      `json:"dependsOn,omitempty"`
	Mandatory            bool          `json:"mandatory,omitempty"`
	Estimate             time.Duration `json:"estimate,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`

	Status      Status     `json:"status"`
	AgentID     string     `json:"agentId,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	cp.DependsOn = append([]string(nil), j.DependsOn...)
	return &cp
}

// name is the step id when known, else the job id.
func (j *Job) name() string {
	if j.StepID != "" {
		return j.StepID
	}
	return j.ID
}

var (
	ErrInvalidJob        = errors.New("invalid job")
	ErrCycleDetected     = errors.New("dependency cycle detected")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateJob      = errors.New("duplicate job id")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrDependencyPending = errors.New("dependencies not complete")
)
