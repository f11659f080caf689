package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/provider"
	"go.uber.org/zap"
)

// maxStateChars bounds the session state rendered into a prompt.
const maxStateChars = 8000

// LLMExecutor runs a job as a single chat completion routed for the agent.
type LLMExecutor struct {
	router       *provider.Router
	model        string
	systemPrompt string
	maxTokens    int
	logger       *zap.Logger
}

// NewLLMExecutor creates an executor. An empty systemPrompt derives one from
// the agent's type and capabilities.
func NewLLMExecutor(router *provider.Router, model, systemPrompt string, logger *zap.Logger) *LLMExecutor {
	return &LLMExecutor{
		router:       router,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    2048,
		logger:       logger,
	}
}

func (e *LLMExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	resp, err := e.router.Route(ctx, req.Agent.ID, &provider.ChatRequest{
		Model:     e.model,
		Messages:  e.buildMessages(req),
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("llm job finished",
		zap.String("job", req.Job.ID),
		zap.String("agent", req.Agent.ID),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return &ExecResult{Output: resp.Content}, nil
}

func (e *LLMExecutor) buildMessages(req *ExecRequest) []provider.Message {
	system := e.systemPrompt
	if system == "" {
		var caps []string
		for _, c := range req.Agent.Capabilities {
			caps = append(caps, c.Name)
		}
		system = fmt.Sprintf("You are %s, a %s agent in a team working towards a shared goal. Your capabilities: %s. Answer with the result of your step only.",
			req.Agent.Name, req.Agent.Type, strings.Join(caps, ", "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nYour step: %s\n", req.Goal, req.Job.Title)
	if req.Job.Instruction != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", req.Job.Instruction)
	}
	if len(req.State) > 0 {
		b.WriteString("\nShared context:\n")
		b.WriteString(renderState(req.State))
	}

	return []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

// renderState prints entries in key order, truncated to maxStateChars.
func renderState(st map[string]any) string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(st[k])
		if err != nil {
			v = []byte(fmt.Sprint(st[k]))
		}
		line := fmt.Sprintf("- %s: %s\n", k, v)
		if b.Len()+len(line) > maxStateChars {
			b.WriteString("- ...\n")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
