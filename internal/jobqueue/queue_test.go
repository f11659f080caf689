package jobqueue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id string, deps ...string) *Job {
	return &Job{ID: id, StepID: id, Title: "step " + id, DependsOn: deps}
}

// diamond is A -> {B, C} -> D.
func diamond() []*Job {
	return []*Job{job("A"), job("B", "A"), job("C", "A"), job("D", "B", "C")}
}

func ids(jobs []*Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func run(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.MarkRunning(id, "agent-"+id)
	require.NoError(t, err)
}

func TestReadinessFollowsDependencies(t *testing.T) {
	q := New(false)
	require.NoError(t, q.Submit(diamond()))

	assert.Equal(t, []string{"A"}, ids(q.NextReady()))
	run(t, q, "A")
	assert.Empty(t, q.NextReady())
	require.NoError(t, q.MarkComplete("A", "a-out"))

	assert.Equal(t, []string{"B", "C"}, ids(q.NextReady()))
	run(t, q, "B")
	run(t, q, "C")
	require.NoError(t, q.MarkComplete("B", nil))
	assert.Empty(t, q.NextReady(), "D waits for C")

	require.NoError(t, q.MarkComplete("C", nil))
	assert.Equal(t, []string{"D"}, ids(q.NextReady()))
	run(t, q, "D")
	require.NoError(t, q.MarkComplete("D", nil))
	assert.True(t, q.Done())

	a, err := q.Get("A")
	require.NoError(t, err)
	assert.Equal(t, "a-out", a.Result)
	assert.Equal(t, 1, a.Attempts)
	assert.NotNil(t, a.CompletedAt)
}

func TestRunningRequiresCompleteDependencies(t *testing.T) {
	q := New(false)
	require.NoError(t, q.Submit(diamond()))

	_, err := q.MarkRunning("D", "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = q.MarkRunning("nope", "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, q.MarkComplete("A", nil), ErrInvalidTransition, "complete needs running")
}

func TestSubmitRejectsCycles(t *testing.T) {
	q := New(false)
	err := q.Submit([]*Job{job("A", "C"), job("B", "A"), job("C", "B")})
	require.ErrorIs(t, err, ErrCycleDetected)
	assert.Empty(t, q.Jobs(), "rejected batch leaves no jobs behind")

	err = q.Submit([]*Job{job("self", "self")})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestSubmitValidatesIDs(t *testing.T) {
	q := New(false)
	assert.ErrorIs(t, q.Submit([]*Job{job("A"), job("A")}), ErrDuplicateJob)
	assert.ErrorIs(t, q.Submit([]*Job{job("A", "ghost")}), ErrUnknownDependency)
	assert.ErrorIs(t, q.Submit([]*Job{{}}), ErrInvalidJob)

	require.NoError(t, q.Submit([]*Job{job("A")}))
	require.NoError(t, q.Submit([]*Job{job("B", "A")}), "later batches may depend on earlier jobs")
	assert.ErrorIs(t, q.Submit([]*Job{job("A")}), ErrDuplicateJob)
}

func TestFailureSkipsDependents(t *testing.T) {
	q := New(false)
	require.NoError(t, q.Submit(diamond()))
	run(t, q, "A")
	require.NoError(t, q.MarkComplete("A", nil))
	run(t, q, "B")
	run(t, q, "C")

	skipped, err := q.MarkFailed("B", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, skipped)

	d, _ := q.Get("D")
	assert.Equal(t, StatusSkipped, d.Status)
	assert.Contains(t, d.Error, "B failed")
	b, _ := q.Get("B")
	assert.Equal(t, "boom", b.Error)

	assert.False(t, q.Done())
	require.NoError(t, q.MarkComplete("C", nil))
	assert.True(t, q.Done())
}

func TestAllowPartialRunsPastFailures(t *testing.T) {
	q := New(true)
	require.NoError(t, q.Submit([]*Job{job("A"), job("B", "A")}))
	run(t, q, "A")
	skipped, err := q.MarkFailed("A", errors.New("boom"))
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, []string{"B"}, ids(q.NextReady()))
}

func TestRequeueForRetry(t *testing.T) {
	q := New(false)
	require.NoError(t, q.Submit([]*Job{job("A")}))
	run(t, q, "A")
	assert.Equal(t, 1, q.Running())
	require.NoError(t, q.Requeue("A"))

	a, _ := q.Get("A")
	assert.Equal(t, StatusReady, a.Status)
	assert.Empty(t, a.AgentID)

	run(t, q, "A")
	a, _ = q.Get("A")
	assert.Equal(t, 2, a.Attempts)
}

func TestSkipRemainingOnCancel(t *testing.T) {
	q := New(false)
	require.NoError(t, q.Submit(diamond()))
	run(t, q, "A")

	assert.Equal(t, []string{"B", "C", "D"}, q.SkipRemaining("cancelled"))
	assert.False(t, q.Done(), "A is still in flight")
	assert.False(t, q.Blocked())

	skipped, err := q.MarkSkipped("A", "cancelled")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, skipped)
	assert.True(t, q.Done())
}

func TestTransitionTable(t *testing.T) {
	assert.NoError(t, Transition(StatusPending, StatusReady))
	assert.NoError(t, Transition(StatusRunning, StatusReady))
	assert.ErrorIs(t, Transition(StatusComplete, StatusRunning), ErrInvalidTransition)
	assert.ErrorIs(t, Transition(StatusPending, StatusRunning), ErrInvalidTransition)
	assert.True(t, StatusSkipped.IsTerminal())
	assert.False(t, StatusReady.IsTerminal())
}
