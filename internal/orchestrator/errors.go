package orchestrator

import (
	"errors"

	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/state"
)

var (
	ErrPlanningFailed  = errors.New("planning failed")
	ErrNoEligibleAgent = errors.New("no eligible agent")
	ErrJobExecution    = errors.New("job execution failed")
	ErrJobTimeout      = errors.New("job timed out")
	ErrInvalidGoal     = errors.New("goal must not be empty")
	ErrSessionNotFound = errors.New("orchestration session not found")

	// Aliases so callers can match every class from one package.
	ErrCycleDetected       = jobqueue.ErrCycleDetected
	ErrAccessDenied        = state.ErrAccessDenied
	ErrTransactionConflict = state.ErrTransactionConflict
)
