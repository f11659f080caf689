package jobqueue

import (
	"fmt"
	"sync"
	"time"
)

// Queue holds the jobs of one session and decides which may run. All
// methods are safe for concurrent use.
type Queue struct {
	jobs         map[string]*Job
	order        []string
	allowPartial bool
	now          func() time.Time
	mu           sync.Mutex
}

// New creates an empty queue. With allowPartial, a failed dependency counts
// as resolved and its dependents still run.
func New(allowPartial bool) *Queue {
	return &Queue{
		jobs:         make(map[string]*Job),
		allowPartial: allowPartial,
		now:          time.Now,
	}
}

// Submit validates and adds a batch of jobs. The batch is rejected as a
// whole on duplicate ids, unknown dependencies or a dependency cycle.
// Dependencies may refer to jobs submitted earlier.
func (q *Queue) Submit(jobs []*Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("submit: job without id: %w", ErrInvalidJob)
		}
		if _, ok := q.jobs[j.ID]; ok {
			return fmt.Errorf("submit %s: %w", j.ID, ErrDuplicateJob)
		}
		if _, ok := batch[j.ID]; ok {
			return fmt.Errorf("submit %s: %w", j.ID, ErrDuplicateJob)
		}
		batch[j.ID] = j
	}
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if _, ok := batch[dep]; ok {
				continue
			}
			if _, ok := q.jobs[dep]; !ok {
				return fmt.Errorf("submit %s: depends on %s: %w", j.ID, dep, ErrUnknownDependency)
			}
		}
	}
	if cycle := findCycle(jobs, batch); cycle != nil {
		return fmt.Errorf("submit: %v: %w", cycle, ErrCycleDetected)
	}

	for _, j := range jobs {
		cp := j.clone()
		cp.Status = StatusPending
		q.jobs[cp.ID] = cp
		q.order = append(q.order, cp.ID)
	}
	q.refresh()
	return nil
}

// NextReady returns every ready job in submission order.
func (q *Queue) NextReady() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, id := range q.order {
		if j := q.jobs[id]; j.Status == StatusReady {
			out = append(out, j.clone())
		}
	}
	return out
}

// MarkRunning binds a ready job to an agent.
func (q *Queue) MarkRunning(id, agentID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if err := Transition(j.Status, StatusRunning); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	if !q.resolved(j) {
		return nil, fmt.Errorf("run %s: %w", id, ErrDependencyPending)
	}
	now := q.now()
	j.Status = StatusRunning
	j.AgentID = agentID
	j.Attempts++
	j.StartedAt = &now
	j.CompletedAt = nil
	return j.clone(), nil
}

// MarkComplete records a job's result.
func (q *Queue) MarkComplete(id string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return err
	}
	if err := Transition(j.Status, StatusComplete); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	now := q.now()
	j.Status = StatusComplete
	j.Result = result
	j.Error = ""
	j.CompletedAt = &now
	q.refresh()
	return nil
}

// MarkFailed records a terminal failure and returns the ids of dependents
// that were skipped as a consequence.
func (q *Queue) MarkFailed(id string, cause error) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if err := Transition(j.Status, StatusFailed); err != nil {
		return nil, fmt.Errorf("fail %s: %w", id, err)
	}
	now := q.now()
	j.Status = StatusFailed
	if cause != nil {
		j.Error = cause.Error()
	}
	j.CompletedAt = &now
	return q.refresh(), nil
}

// MarkSkipped skips one non-terminal job and returns every job skipped as a
// result, including itself.
func (q *Queue) MarkSkipped(id, reason string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if err := Transition(j.Status, StatusSkipped); err != nil {
		return nil, fmt.Errorf("skip %s: %w", id, err)
	}
	q.skip(j, reason)
	return append([]string{id}, q.refresh()...), nil
}

// SkipRemaining skips every job that has not started yet.
func (q *Queue) SkipRemaining(reason string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status == StatusPending || j.Status == StatusReady {
			q.skip(j, reason)
			out = append(out, id)
		}
	}
	return out
}

// Requeue returns a running job to ready so it can be dispatched again.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return err
	}
	if err := Transition(j.Status, StatusReady); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	j.Status = StatusReady
	j.AgentID = ""
	return nil
}

// Blocked reports whether unfinished jobs remain but none is ready or
// running, i.e. the session can make no further progress.
func (q *Queue) Blocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	open := false
	for _, j := range q.jobs {
		switch j.Status {
		case StatusReady, StatusRunning:
			return false
		case StatusPending:
			open = true
		}
	}
	return open
}

// Done reports whether every job is terminal.
func (q *Queue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Running counts jobs currently bound to an agent.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Jobs returns copies of all jobs in submission order.
func (q *Queue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.jobs[id].clone())
	}
	return out
}

// Get returns a copy of one job.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.get(id)
	if err != nil {
		return nil, err
	}
	return j.clone(), nil
}

func (q *Queue) get(id string) (*Job, error) {
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return j, nil
}

func (q *Queue) skip(j *Job, reason string) {
	now := q.now()
	j.Status = StatusSkipped
	j.Error = reason
	j.CompletedAt = &now
}

// resolved reports whether every dependency of j allows it to run.
func (q *Queue) resolved(j *Job) bool {
	for _, dep := range j.DependsOn {
		switch q.jobs[dep].Status {
		case StatusComplete:
		case StatusFailed:
			if !q.allowPartial {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// refresh promotes pending jobs whose dependencies resolved and skips those
// that can never run, repeating until nothing changes. It returns the ids
// skipped. Must be called with q.mu held.
func (q *Queue) refresh() []string {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, id := range q.order {
			j := q.jobs[id]
			if j.Status != StatusPending {
				continue
			}
			if dep, ok := q.blockedBy(j); ok {
				q.skip(j, fmt.Sprintf("dependency %s %s", dep.name(), dep.Status))
				skipped = append(skipped, id)
				changed = true
				continue
			}
			if q.resolved(j) {
				j.Status = StatusReady
				changed = true
			}
		}
	}
	return skipped
}

// blockedBy returns the first dependency that ended without letting j run.
func (q *Queue) blockedBy(j *Job) (*Job, bool) {
	for _, id := range j.DependsOn {
		dep := q.jobs[id]
		switch dep.Status {
		case StatusSkipped:
			return dep, true
		case StatusFailed:
			if !q.allowPartial {
				return dep, true
			}
		}
	}
	return nil, false
}

// findCycle runs a three-colour DFS over the batch and returns the job ids
// on the first cycle found. Edges into earlier batches cannot close a cycle.
func findCycle(jobs []*Job, batch map[string]*Job) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(batch))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range batch[id].DependsOn {
			if _, ok := batch[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, j := range jobs {
		if color[j.ID] == white {
			if c := visit(j.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
