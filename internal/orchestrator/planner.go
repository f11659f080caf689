package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

// Planner turns a goal into a task plan.
type Planner interface {
	Plan(ctx context.Context, goal string, seed map[string]any) (*TaskPlan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, goal string, seed map[string]any) (*TaskPlan, error)

func (f PlannerFunc) Plan(ctx context.Context, goal string, seed map[string]any) (*TaskPlan, error) {
	return f(ctx, goal, seed)
}

// StaticPlanner returns the same steps for every goal.
type StaticPlanner struct {
	Steps          []TaskStep
	Parallelizable bool
}

func (p StaticPlanner) Plan(_ context.Context, goal string, _ map[string]any) (*TaskPlan, error) {
	return &TaskPlan{
		Goal:           goal,
		Parallelizable: p.Parallelizable,
		Steps:          append([]TaskStep(nil), p.Steps...),
	}, nil
}

// ValidatePlan checks the structural shape of a plan: at least one step,
// unique non-empty ids, known dependencies and known agent types. Cycles are
// left to the job queue.
func ValidatePlan(p *TaskPlan) error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrPlanningFailed)
	}
	ids := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step %d has no id", ErrPlanningFailed, i)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrPlanningFailed, s.ID)
		}
		ids[s.ID] = true
		if s.AgentType != "" && !s.AgentType.Valid() {
			return fmt.Errorf("%w: step %s: unknown agent type %q", ErrPlanningFailed, s.ID, s.AgentType)
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %s depends on unknown step %q", ErrPlanningFailed, s.ID, dep)
			}
		}
	}
	return nil
}

// LLMPlanner asks a chat provider to decompose the goal into a JSON plan.
type LLMPlanner struct {
	router    *provider.Router
	agents    func() []*registry.Agent
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewLLMPlanner creates a planner that routes through router as the
// "planner" caller. agents lists the catalog offered to the model.
func NewLLMPlanner(router *provider.Router, agents func() []*registry.Agent, model string, maxTokens int, logger *zap.Logger) *LLMPlanner {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &LLMPlanner{router: router, agents: agents, model: model, maxTokens: maxTokens, logger: logger}
}

// PlannerCaller is the router binding key used for planning requests.
const PlannerCaller = "planner"

const planPrompt = `You are the planner of a multi-agent system. Break the goal into a small
number of steps that specialised agents can execute.

Available agent types: planner, researcher, coder, reviewer, specialist.
Available capabilities: %s

Goal: %s
%s
Reply with JSON only, in this shape:
{"parallelizable": true,
 "steps": [{"id": "s1", "title": "...", "instruction": "...",
            "requiredCapabilities": ["..."], "agentType": "researcher",
            "dependsOn": [], "mandatory": false, "estimateSec": 60}]}

Use only the listed capabilities. Step ids must be unique and dependsOn may
only reference earlier step ids.`

func (p *LLMPlanner) Plan(ctx context.Context, goal string, seed map[string]any) (*TaskPlan, error) {
	var caps []string
	seen := make(map[string]bool)
	if p.agents != nil {
		for _, a := range p.agents() {
			if a.Status == registry.StatusOffline {
				continue
			}
			for _, c := range a.Capabilities {
				if !seen[c.Name] {
					seen[c.Name] = true
					caps = append(caps, c.Name)
				}
			}
		}
	}
	sort.Strings(caps)

	var ctxBlock string
	if len(seed) > 0 {
		if raw, err := json.Marshal(seed); err == nil {
			ctxBlock = "Context: " + string(raw) + "\n"
		}
	}

	req := &provider.ChatRequest{
		Model: p.model,
		Messages: []provider.Message{
			{Role: "user", Content: fmt.Sprintf(planPrompt, strings.Join(caps, ", "), goal, ctxBlock)},
		},
		MaxTokens: p.maxTokens,
		JSON:      true,
	}
	resp, err := p.router.Route(ctx, PlannerCaller, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		p.logger.Warn("unparseable plan", zap.String("content", resp.Content), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}
	plan.Goal = goal
	p.logger.Info("goal decomposed", zap.Int("steps", len(plan.Steps)), zap.Bool("parallel", plan.Parallelizable))
	return plan, nil
}

// parsePlan decodes a plan from model output, tolerating code fences and
// prose around the JSON object.
func parsePlan(content string) (*TaskPlan, error) {
	s := strings.TrimSpace(content)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(s[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// finalize fills identity fields on a validated plan.
func finalize(p *TaskPlan, goal string) *TaskPlan {
	cp := *p
	cp.Steps = append([]TaskStep(nil), p.Steps...)
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Goal == "" {
		cp.Goal = goal
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	return &cp
}
