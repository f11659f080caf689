package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Persister stores agent definitions outside the process.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent) error
}

type record struct {
	agent  Agent // load and status are not read from here
	status Status
	load   atomic.Int32
}

// tryReserve increments the load counter unless the agent is at capacity.
func (r *record) tryReserve() bool {
	for {
		cur := r.load.Load()
		if int(cur) >= r.agent.MaxLoad {
			return false
		}
		if r.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (r *record) release() int {
	for {
		cur := r.load.Load()
		if cur <= 0 {
			return 0
		}
		if r.load.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

// snapshot must be called with the registry lock held.
func (r *record) snapshot() *Agent {
	a := r.agent
	a.Capabilities = append([]Capability(nil), r.agent.Capabilities...)
	a.CurrentLoad = int(r.load.Load())
	a.Status = r.status
	if a.Status == StatusActive && a.CurrentLoad >= a.MaxLoad {
		a.Status = StatusBusy
	}
	return &a
}

// Registry is the catalog of agents and the only owner of their load counters.
type Registry struct {
	agents      map[string]*record
	persister   Persister
	saveTimeout time.Duration
	mu          sync.RWMutex
	logger      *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:      make(map[string]*record),
		saveTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// SetPersister enables write-through of registrations.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

// Register adds an agent or replaces the definition of an existing one.
// A re-registered agent keeps its current load.
func (r *Registry) Register(a Agent) (*Agent, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if !a.Type.Valid() {
		return nil, fmt.Errorf("agent %s: unknown type %q: %w", a.ID, a.Type, ErrInvalidAgent)
	}
	if a.MaxLoad <= 0 {
		a.MaxLoad = 1
	}
	for _, c := range a.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("agent %s: capability without name: %w", a.ID, ErrInvalidAgent)
		}
	}
	status := a.Status
	if status == "" || status == StatusBusy {
		status = StatusActive
	}

	r.mu.Lock()
	rec, ok := r.agents[a.ID]
	if ok {
		a.RegisteredAt = rec.agent.RegisteredAt
		rec.agent = a
		rec.status = status
	} else {
		a.RegisteredAt = time.Now()
		rec = &record{agent: a, status: status}
		r.agents[a.ID] = rec
	}
	snap := rec.snapshot()
	p := r.persister
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("id", a.ID),
		zap.String("type", string(a.Type)),
		zap.Int("capabilities", len(a.Capabilities)),
		zap.Bool("replaced", ok))

	r.save(p, snap)
	return snap, nil
}

// Deregister marks an agent offline. Agents are never removed so that
// sessions referencing them keep resolving.
func (r *Registry) Deregister(id string) error {
	return r.SetStatus(id, StatusOffline)
}

// SetStatus changes an agent's availability.
func (r *Registry) SetStatus(id string, s Status) error {
	switch s {
	case StatusActive, StatusBusy, StatusOffline:
	default:
		return fmt.Errorf("unknown status %q: %w", s, ErrInvalidAgent)
	}
	r.mu.Lock()
	rec, ok := r.agents[id]
	var snap *Agent
	if ok {
		rec.status = s
		snap = rec.snapshot()
	}
	p := r.persister
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("set status %s: %w", id, ErrAgentNotFound)
	}
	r.logger.Info("agent status changed", zap.String("id", id), zap.String("status", string(s)))

	r.save(p, snap)
	return nil
}

func (r *Registry) save(p Persister, a *Agent) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
	defer cancel()
	if err := p.SaveAgent(ctx, a); err != nil {
		r.logger.Warn("persist agent failed", zap.String("id", a.ID), zap.Error(err))
	}
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all agents ordered by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the best available agent for the required capabilities and
// reserves one unit of its load. The caller must Release the agent when the
// job ends. Agents listed in exclude are never returned.
//
// Capabilities are matched by name first; only when no agent declares all of
// them by name does matching fall back to domain tags.
func (r *Registry) Select(required []string, hint AgentType, exclude ...string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.matching(required, matchByName)
	if len(matched) == 0 {
		matched = r.matching(required, matchByDomain)
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var cands []*record
	for _, rec := range matched {
		if skip[rec.agent.ID] || rec.status != StatusActive {
			continue
		}
		if int(rec.load.Load()) >= rec.agent.MaxLoad {
			continue
		}
		cands = append(cands, rec)
	}

	if hint != "" {
		var typed []*record
		for _, rec := range cands {
			if rec.agent.Type == hint {
				typed = append(typed, rec)
			}
		}
		if len(typed) > 0 {
			cands = typed
		}
	}

	loads := make(map[*record]int32, len(cands))
	for _, rec := range cands {
		loads[rec] = rec.load.Load()
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if loads[a] != loads[b] {
			return loads[a] < loads[b]
		}
		if a.agent.Priority != b.agent.Priority {
			return a.agent.Priority > b.agent.Priority
		}
		if len(a.agent.Capabilities) != len(b.agent.Capabilities) {
			return len(a.agent.Capabilities) < len(b.agent.Capabilities)
		}
		return a.agent.ID < b.agent.ID
	})

	// A concurrent selection may fill a candidate between ranking and
	// reservation; fall through to the next one.
	for _, rec := range cands {
		if rec.tryReserve() {
			return rec.snapshot(), true
		}
	}
	return nil, false
}

// Release returns one unit of load reserved by Select.
func (r *Registry) Release(id string) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("release of unknown agent", zap.String("id", id))
		return
	}
	rec.release()
}

// Stats reports counts and capacity across the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{AgentsByType: make(map[AgentType]int)}
	for _, rec := range r.agents {
		a := rec.snapshot()
		st.TotalAgents++
		st.AgentsByType[a.Type]++
		switch a.Status {
		case StatusActive:
			st.ActiveAgents++
		case StatusBusy:
			st.BusyAgents++
		case StatusOffline:
			st.OfflineAgents++
		}
		if a.Status != StatusOffline {
			st.TotalCapacity += a.MaxLoad
		}
		st.UsedCapacity += a.CurrentLoad
	}
	return st
}

type matchMode int

const (
	matchByName matchMode = iota
	matchByDomain
)

func (r *Registry) matching(required []string, mode matchMode) []*record {
	var out []*record
	for _, rec := range r.agents {
		ok := true
		for _, req := range required {
			if mode == matchByName && !rec.agent.HasCapability(req) ||
				mode == matchByDomain && !domainOverlap(rec.agent.Capabilities, req) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

// domainOverlap reports whether any of the capability's domain tags equals
// the required name or one of its words ("web_research" -> web, research).
func domainOverlap(caps []Capability, required string) bool {
	terms := map[string]bool{strings.ToLower(required): true}
	for _, w := range strings.FieldsFunc(strings.ToLower(required), func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	}) {
		if len(w) >= 2 {
			terms[w] = true
		}
	}
	for _, c := range caps {
		for _, d := range c.Domains {
			if terms[strings.ToLower(d)] {
				return true
			}
		}
	}
	return false
}
