package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"go.uber.org/zap"
)

const source = "orchestrator"

// ResultKey is the session state key holding a completed job's result.
func ResultKey(jobID string) string {
	return "job:" + jobID + ":result"
}

// Recorder persists plans, job transitions and finished sessions. Recorder
// failures are logged and never affect the session.
type Recorder interface {
	RecordPlan(ctx context.Context, sessionID string, plan *TaskPlan, jobs []*jobqueue.Job) error
	RecordJob(ctx context.Context, job *jobqueue.Job) error
	RecordSession(ctx context.Context, res *Result) error
}

// Config holds dispatch and retry behaviour.
type Config struct {
	// MaxRetries is the number of re-selection attempts after a job's first
	// failure or agent miss.
	MaxRetries   int
	RetryDelay   time.Duration
	PoolSize     int
	SoftTimeout  time.Duration
	HardTimeout  time.Duration
	AllowPartial bool
	// KeepSessions bounds how many finished sessions stay queryable.
	KeepSessions int
}

// DefaultConfig returns one retry, a soft watchdog only and a pool of ten.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   1,
		RetryDelay:   250 * time.Millisecond,
		PoolSize:     10,
		SoftTimeout:  2 * time.Minute,
		KeepSessions: 500,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, r) }
}

// Orchestrator turns goals into plans and drives their jobs to completion.
// It is the only writer of session and job status.
type Orchestrator struct {
	planner   Planner
	registry  *registry.Registry
	state     *state.Manager
	events    *eventlog.Logger
	scheduler *Scheduler
	publisher EventPublisher
	recorders []Recorder
	cfg       Config

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	sessions map[string]*session
	finished []string
	mu       sync.RWMutex
	logger   *zap.Logger
}

// New wires an orchestrator around its collaborators.
func New(planner Planner, executor Executor, reg *registry.Registry, st *state.Manager,
	events *eventlog.Logger, logger *zap.Logger, opts ...Option) *Orchestrator {
	root, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		planner:  planner,
		registry: reg,
		state:    st,
		events:   events,
		cfg:      DefaultConfig(),
		root:     root,
		stop:     stop,
		sessions: make(map[string]*session),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxRetries < 0 {
		o.cfg.MaxRetries = 0
	}
	o.scheduler = NewScheduler(executor, o.cfg.PoolSize, o.cfg.SoftTimeout, o.cfg.HardTimeout, logger)
	o.scheduler.overdue = o.jobOverdue
	return o
}

type session struct {
	id        string
	goal      string
	plan      *TaskPlan
	opts      Options
	queue     *jobqueue.Queue
	jobIDs    []string
	startedAt time.Time
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	// Owned by the session loop.
	excluded map[string][]string
	misses   map[string]int
	seen     map[string]bool

	mu         sync.Mutex
	status     Status
	errors     []string
	results    map[string]any
	mandatory  string
	finishedAt *time.Time
}

// Orchestrate plans the goal and blocks until every job is terminal. If ctx
// ends first the session is cancelled and its current view is returned with
// ctx's error.
func (o *Orchestrator) Orchestrate(ctx context.Context, goal string, opts Options) (*Result, error) {
	res, err := o.Start(ctx, goal, opts)
	if err != nil {
		return nil, err
	}
	res, err = o.Wait(ctx, res.SessionID)
	if err != nil && ctx.Err() != nil {
		_ = o.Cancel(res.SessionID)
	}
	return res, err
}

// Start plans the goal, submits its jobs and returns while they execute in
// the background. Planning failures and invalid dependency graphs are
// returned before any job exists.
func (o *Orchestrator) Start(ctx context.Context, goal string, opts Options) (*Result, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrInvalidGoal
	}
	id := uuid.New().String()
	o.events.Info(source, "orchestration started", eventlog.Fields{
		SessionID: id,
		Data:      map[string]any{"goal": goal, "caller": opts.CallerID},
	})

	plan, err := o.plan(ctx, goal, opts)
	if err != nil {
		o.events.Error(source, err.Error(), eventlog.Fields{SessionID: id})
		return nil, err
	}

	jobs := buildJobs(id, plan, opts.hardTimeout())
	queue := jobqueue.New(opts.AllowPartial || o.cfg.AllowPartial)
	if err := queue.Submit(jobs); err != nil {
		err = fmt.Errorf("%w: %w", ErrPlanningFailed, err)
		o.events.Error(source, err.Error(), eventlog.Fields{SessionID: id})
		return nil, err
	}

	seed := make(map[string]any, len(opts.InitialContext)+1)
	for k, v := range opts.InitialContext {
		seed[k] = v
	}
	if _, ok := seed["goal"]; !ok {
		seed["goal"] = goal
	}
	if err := o.state.CreateSession(id, seed); err != nil {
		return nil, fmt.Errorf("create session state: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.root)
	s := &session{
		id:        id,
		goal:      goal,
		plan:      plan,
		opts:      opts,
		queue:     queue,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		excluded:  make(map[string][]string),
		misses:    make(map[string]int),
		seen:      make(map[string]bool),
		status:    StatusExecuting,
		results:   make(map[string]any),
	}
	for _, j := range jobs {
		s.jobIDs = append(s.jobIDs, j.ID)
	}

	o.mu.Lock()
	o.sessions[id] = s
	o.mu.Unlock()

	submitted := queue.Jobs()
	for _, j := range submitted {
		o.events.Debug(source, fmt.Sprintf("job %s pending", j.StepID), jobFields(j))
	}
	o.record(func(ctx context.Context, r Recorder) error {
		return r.RecordPlan(ctx, id, plan, submitted)
	})
	o.publish(&Event{Type: EventSessionStarted, SessionID: id, Status: string(StatusExecuting), Message: goal})

	o.wg.Add(1)
	go o.run(runCtx, s)
	return s.result(), nil
}

// Wait blocks until the session finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*Result, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return s.result(), nil
	case <-ctx.Done():
		return s.result(), ctx.Err()
	}
}

// Session returns the current view of a session.
func (o *Orchestrator) Session(sessionID string) (*Result, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.result(), nil
}

// List summarizes known sessions, newest first.
func (o *Orchestrator) List() []Summary {
	o.mu.RLock()
	all := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		r := s.result()
		out = append(out, Summary{
			SessionID:      r.SessionID,
			Goal:           r.Goal,
			Status:         r.Status,
			CompletedTasks: r.CompletedTasks,
			RunningTasks:   s.queue.Running(),
			TotalTasks:     r.TotalTasks,
			StartedAt:      r.StartedAt,
			FinishedAt:     r.FinishedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops dispatching new jobs for a session. Jobs that have not
// started are skipped; in-flight jobs finish and their results are dropped.
// Cancelling a finished session is a no-op.
func (o *Orchestrator) Cancel(sessionID string) error {
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	finished := s.status.IsTerminal()
	s.mu.Unlock()
	if finished {
		return nil
	}
	if s.cancelled.CompareAndSwap(false, true) {
		o.events.Info(source, "cancellation requested", eventlog.Fields{SessionID: sessionID})
		s.cancel()
	}
	return nil
}

// Running lists executions currently holding a pool slot.
func (o *Orchestrator) Running() []RunningJob {
	return o.scheduler.Running()
}

// Shutdown cancels every session, aborts in-flight executions and waits for
// the session loops to exit or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	for _, s := range o.sessions {
		s.cancelled.Store(true)
		s.cancel()
	}
	o.mu.RUnlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) get(id string) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

func (o *Orchestrator) plan(ctx context.Context, goal string, opts Options) (*TaskPlan, error) {
	plan := opts.Plan
	if plan == nil {
		if o.planner == nil {
			return nil, fmt.Errorf("%w: no planner configured", ErrPlanningFailed)
		}
		var err error
		plan, err = o.planner.Plan(ctx, goal, opts.InitialContext)
		if err != nil {
			if !errors.Is(err, ErrPlanningFailed) {
				err = fmt.Errorf("%w: %w", ErrPlanningFailed, err)
			}
			return nil, err
		}
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return finalize(plan, goal), nil
}

func buildJobs(sessionID string, plan *TaskPlan, hard time.Duration) []*jobqueue.Job {
	ids := make(map[string]string, len(plan.Steps))
	for _, st := range plan.Steps {
		ids[st.ID] = uuid.New().String()
	}
	jobs := make([]*jobqueue.Job, 0, len(plan.Steps))
	for _, st := range plan.Steps {
		deps := make([]string, 0, len(st.DependsOn))
		for _, d := range st.DependsOn {
			deps = append(deps, ids[d])
		}
		timeout := st.Timeout()
		if timeout <= 0 {
			timeout = hard
		}
		jobs = append(jobs, &jobqueue.Job{
			ID:                   ids[st.ID],
			SessionID:            sessionID,
			StepID:               st.ID,
			Title:                st.Title,
			Instruction:          st.Instruction,
			RequiredCapabilities: st.RequiredCapabilities,
			AgentType:            string(st.AgentType),
			DependsOn:            deps,
			Mandatory:            st.Mandatory,
			Estimate:             st.Estimate(),
			Timeout:              timeout,
		})
	}
	return jobs
}

// run is the coordination loop of one session.
func (o *Orchestrator) run(ctx context.Context, s *session) {
	defer o.wg.Done()

	results := make(chan outcome, len(s.jobIDs))
	inflight := 0
	stopping := false
	cancelled := ctx.Done()
	var retry <-chan time.Time

	for {
		if !stopping && retry == nil {
			n, missed := o.dispatchReady(s, results, inflight)
			inflight += n
			if inflight == 0 && len(missed) > 0 {
				if o.chargeMisses(s, missed) {
					stopping = true
				}
				if !stopping && len(s.queue.NextReady()) > 0 {
					retry = time.After(o.cfg.RetryDelay)
				} else {
					continue
				}
			}
		}

		if inflight == 0 && retry == nil {
			if !s.queue.Done() {
				reason := "no job can make progress"
				switch {
				case stopping:
					reason = "session stopped"
				case s.queue.Blocked():
					reason = "remaining jobs wait on dependencies that cannot finish"
				}
				o.events.Error(source, reason, eventlog.Fields{SessionID: s.id})
				o.skipRemaining(s, reason)
			}
			break
		}

		select {
		case out := <-results:
			inflight--
			if o.handleOutcome(s, out, stopping) {
				stopping = true
			}
		case <-retry:
			retry = nil
		case <-cancelled:
			cancelled = nil
			stopping = true
			retry = nil
			o.skipRemaining(s, "session cancelled")
		}
	}
	o.finish(s)
}

// dispatchReady starts every ready job it can find an agent for and returns
// how many started and which ready jobs found no agent. Without a
// parallelizable plan only the first ready job starts, and only when
// nothing else is running.
func (o *Orchestrator) dispatchReady(s *session, results chan<- outcome, inflight int) (int, []*jobqueue.Job) {
	ready := s.queue.NextReady()
	for _, j := range ready {
		if !s.seen[j.ID] {
			s.seen[j.ID] = true
			o.events.Debug(source, fmt.Sprintf("job %s ready", j.StepID), jobFields(j))
		}
	}
	if !s.plan.Parallelizable {
		if inflight > 0 || len(ready) == 0 {
			return 0, nil
		}
		ready = ready[:1]
	}

	started := 0
	var missed []*jobqueue.Job
	for _, j := range ready {
		agent := o.selectAgent(s, j)
		if agent == nil {
			missed = append(missed, j)
			continue
		}
		if o.startJob(s, j, agent, results) {
			started++
		} else {
			missed = append(missed, j)
		}
	}
	return started, missed
}

// selectAgent prefers an agent the job has not failed on; when none is left
// it falls back to any eligible agent.
func (o *Orchestrator) selectAgent(s *session, j *jobqueue.Job) *registry.Agent {
	hint := registry.AgentType(j.AgentType)
	if agent, ok := o.registry.Select(j.RequiredCapabilities, hint, s.excluded[j.ID]...); ok {
		return agent
	}
	if len(s.excluded[j.ID]) > 0 {
		if agent, ok := o.registry.Select(j.RequiredCapabilities, hint); ok {
			return agent
		}
	}
	o.events.Warn(source, fmt.Sprintf("no eligible agent for job %s (capabilities %v)", j.StepID, j.RequiredCapabilities), jobFields(j))
	return nil
}

func (o *Orchestrator) startJob(s *session, j *jobqueue.Job, agent *registry.Agent, results chan<- outcome) bool {
	running, err := s.queue.MarkRunning(j.ID, agent.ID)
	if err != nil {
		o.registry.Release(agent.ID)
		o.events.Error(source, fmt.Sprintf("cannot start job %s: %v", j.StepID, err), jobFields(j))
		return false
	}
	f := jobFields(running)
	o.events.Info(source, fmt.Sprintf("job %s running (attempt %d)", running.StepID, running.Attempts), f)
	o.publish(jobEvent(EventJobRunning, running, ""))
	o.recordJob(running)

	snapshot, err := o.state.Snapshot(s.id, agent.ID)
	if err != nil {
		o.events.Warn(source, "state snapshot unavailable: "+err.Error(), f)
	}
	o.scheduler.Dispatch(o.root, &ExecRequest{
		SessionID: s.id,
		Goal:      s.goal,
		Job:       running,
		Agent:     agent,
		State:     snapshot,
		Metadata:  s.opts.Metadata,
	}, results)
	return true
}

// chargeMisses counts one selection cycle against jobs that found no agent
// while nothing else was running. It reports whether a mandatory job failed.
func (o *Orchestrator) chargeMisses(s *session, missed []*jobqueue.Job) bool {
	stop := false
	for _, j := range missed {
		s.misses[j.ID]++
		if s.misses[j.ID] <= o.cfg.MaxRetries {
			continue
		}
		cause := fmt.Errorf("%w for capabilities %v", ErrNoEligibleAgent, j.RequiredCapabilities)
		if o.failJob(s, j, cause) {
			stop = true
		}
	}
	return stop
}

// handleOutcome applies a finished execution and reports whether the
// session must stop dispatching.
func (o *Orchestrator) handleOutcome(s *session, out outcome, stopping bool) bool {
	o.registry.Release(out.agentID)
	j, err := s.queue.Get(out.jobID)
	if err != nil {
		o.logger.Error("outcome for unknown job", zap.String("job", out.jobID), zap.Error(err))
		return false
	}
	f := jobFields(j)

	if s.cancelled.Load() {
		skipped, _ := s.queue.MarkSkipped(j.ID, "session cancelled")
		o.events.Info(source, fmt.Sprintf("job %s result discarded: session cancelled", j.StepID), f)
		o.jobsSkipped(s, skipped)
		return false
	}

	if out.err == nil {
		if err := o.commitResult(s, j, out); err != nil {
			out.err = fmt.Errorf("%w: store result: %w", ErrJobExecution, err)
		}
	}
	if out.err == nil {
		if err := s.queue.MarkComplete(j.ID, out.result.Output); err != nil {
			o.events.Error(source, fmt.Sprintf("complete job %s: %v", j.StepID, err), f)
			return false
		}
		s.setResult(j.StepID, out.result.Output)
		done, _ := s.queue.Get(j.ID)
		o.events.Info(source, fmt.Sprintf("job %s complete in %s", j.StepID, out.duration.Round(time.Millisecond)), f)
		o.publish(jobEvent(EventJobComplete, done, ""))
		o.recordJob(done)
		return false
	}

	o.events.Warn(source, fmt.Sprintf("job %s attempt %d failed: %v", j.StepID, j.Attempts, out.err), f)
	if j.Attempts <= o.cfg.MaxRetries && !stopping {
		s.excluded[j.ID] = append(s.excluded[j.ID], out.agentID)
		if err := s.queue.Requeue(j.ID); err == nil {
			requeued, _ := s.queue.Get(j.ID)
			o.events.Info(source, fmt.Sprintf("job %s requeued for another agent", j.StepID), f)
			o.publish(jobEvent(EventJobRetry, requeued, out.err.Error()))
			o.recordJob(requeued)
			return false
		}
	}
	return o.failJob(s, j, out.err)
}

// commitResult stores the job result and any state the agent returned in
// one transaction, re-staging on conflict.
func (o *Orchestrator) commitResult(s *session, j *jobqueue.Job, out outcome) error {
	writes := []state.Write{{
		Key: ResultKey(j.ID),
		Value: map[string]any{
			"step":   j.StepID,
			"title":  j.Title,
			"agent":  out.agentID,
			"output": out.result.Output,
		},
		Visibility: state.Shared,
		WriterID:   out.agentID,
	}}
	// Agents write as themselves, whatever writer their reply names.
	for _, w := range out.result.State {
		w.WriterID = out.agentID
		writes = append(writes, w)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var tx string
		tx, err = o.state.Begin(s.id)
		if err != nil {
			return err
		}
		for _, w := range writes {
			if err = o.state.Stage(tx, w); err != nil {
				_ = o.state.Rollback(tx)
				return err
			}
		}
		if err = o.state.Commit(tx); err == nil || !errors.Is(err, state.ErrTransactionConflict) {
			return err
		}
	}
	return err
}

// failJob marks a job failed, skips its dependents and reports whether the
// job was mandatory.
func (o *Orchestrator) failJob(s *session, j *jobqueue.Job, cause error) bool {
	skipped, err := s.queue.MarkFailed(j.ID, cause)
	if err != nil {
		o.events.Error(source, fmt.Sprintf("fail job %s: %v", j.StepID, err), jobFields(j))
		return false
	}
	msg := fmt.Sprintf("%s failed: %v", j.StepID, cause)
	s.addError(msg)
	failed, _ := s.queue.Get(j.ID)
	o.events.Error(source, msg, jobFields(failed))
	o.publish(jobEvent(EventJobFailed, failed, cause.Error()))
	o.recordJob(failed)
	o.jobsSkipped(s, skipped)

	if !j.Mandatory {
		return false
	}
	s.mu.Lock()
	if s.mandatory == "" {
		s.mandatory = j.StepID
	}
	s.mu.Unlock()
	o.events.Error(source, fmt.Sprintf("mandatory step %s failed, stopping session", j.StepID), jobFields(failed))
	o.skipRemaining(s, fmt.Sprintf("mandatory step %s failed", j.StepID))
	return true
}

func (o *Orchestrator) skipRemaining(s *session, reason string) {
	o.jobsSkipped(s, s.queue.SkipRemaining(reason))
}

func (o *Orchestrator) jobsSkipped(s *session, ids []string) {
	for _, id := range ids {
		j, err := s.queue.Get(id)
		if err != nil {
			continue
		}
		o.events.Info(source, fmt.Sprintf("job %s skipped: %s", j.StepID, j.Error), jobFields(j))
		o.publish(jobEvent(EventJobSkipped, j, j.Error))
		o.recordJob(j)
	}
}

func (o *Orchestrator) jobOverdue(req *ExecRequest, elapsed time.Duration) {
	o.events.Warn(source,
		fmt.Sprintf("job %s still running after %s", req.Job.StepID, elapsed.Round(time.Second)),
		jobFields(req.Job))
}

// finish aggregates the session. The terminal status is stored last so that
// anyone observing it sees a fully aggregated session.
func (o *Orchestrator) finish(s *session) {
	now := time.Now()
	s.mu.Lock()
	var status Status
	switch {
	case s.cancelled.Load():
		status = StatusCancelled
	case s.mandatory != "":
		status = StatusFailed
	default:
		status = StatusComplete
	}
	s.mu.Unlock()

	res := s.result()
	res.Status = status
	res.FinishedAt = &now
	f := eventlog.Fields{SessionID: s.id, Data: map[string]any{
		"status":    string(status),
		"completed": res.CompletedTasks,
		"total":     res.TotalTasks,
		"errors":    len(res.Errors),
	}}
	msg := fmt.Sprintf("orchestration %s: %d/%d jobs complete", status, res.CompletedTasks, res.TotalTasks)
	if status == StatusFailed {
		o.events.Error(source, msg, f)
	} else {
		o.events.Info(source, msg, f)
	}
	o.publish(&Event{Type: EventSessionFinished, SessionID: s.id, Status: string(status), Message: msg})
	o.record(func(ctx context.Context, r Recorder) error { return r.RecordSession(ctx, res) })

	if err := o.state.ExpireSession(s.id); err != nil && !errors.Is(err, state.ErrSessionNotFound) {
		o.logger.Warn("expire session state", zap.String("session", s.id), zap.Error(err))
	}

	s.mu.Lock()
	s.status = status
	s.finishedAt = &now
	s.mu.Unlock()

	o.retire(s.id)
	close(s.done)
	s.cancel()
}

// retire keeps at most KeepSessions finished sessions queryable.
func (o *Orchestrator) retire(id string) {
	if o.cfg.KeepSessions <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > o.cfg.KeepSessions {
		delete(o.sessions, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func (o *Orchestrator) publish(ev *Event) {
	if o.publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(o.root, 2*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish event failed", zap.String("type", ev.Type), zap.String("session", ev.SessionID), zap.Error(err))
	}
}

func (o *Orchestrator) record(fn func(ctx context.Context, r Recorder) error) {
	for _, r := range o.recorders {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.root), 5*time.Second)
		if err := fn(ctx, r); err != nil {
			o.logger.Warn("recorder failed", zap.Error(err))
		}
		cancel()
	}
}

func (o *Orchestrator) recordJob(j *jobqueue.Job) {
	o.record(func(ctx context.Context, r Recorder) error { return r.RecordJob(ctx, j) })
}

func jobEvent(typ string, j *jobqueue.Job, msg string) *Event {
	return &Event{
		Type:      typ,
		SessionID: j.SessionID,
		JobID:     j.ID,
		StepID:    j.StepID,
		AgentID:   j.AgentID,
		Status:    string(j.Status),
		Message:   msg,
	}
}

func jobFields(j *jobqueue.Job) eventlog.Fields {
	return eventlog.Fields{
		SessionID: j.SessionID,
		JobID:     j.ID,
		AgentID:   j.AgentID,
		Data:      map[string]any{"step": j.StepID, "status": string(j.Status)},
	}
}

func (s *session) addError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

func (s *session) setResult(stepID string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[stepID] = v
}

func (s *session) result() *Result {
	jobs := s.queue.Jobs()
	completed := 0
	for _, j := range jobs {
		if j.Status == jobqueue.StatusComplete {
			completed++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[string]any, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	return &Result{
		SessionID:      s.id,
		Goal:           s.goal,
		Status:         s.status,
		Plan:           s.plan,
		Jobs:           jobs,
		JobIDs:         append([]string(nil), s.jobIDs...),
		Results:        results,
		Errors:         append([]string{}, s.errors...),
		CompletedTasks: completed,
		TotalTasks:     len(jobs),
		Metadata:       s.opts.Metadata,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
	}
}
