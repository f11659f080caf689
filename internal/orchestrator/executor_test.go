package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func execRequest(agentID string) *ExecRequest {
	return &ExecRequest{
		SessionID: "s1",
		Goal:      "ship the release",
		Job:       &jobqueue.Job{ID: "j1", StepID: "notes", Title: "write release notes", Instruction: "keep it short"},
		Agent: &registry.Agent{ID: agentID, Name: agentID, Type: registry.TypeCoder,
			Capabilities: []registry.Capability{{Name: "write"}}},
		State: map[string]any{"goal": "ship the release", "version": "1.4.0"},
	}
}

func TestExecutorSetRoutesByAgent(t *testing.T) {
	named := func(name string) Executor {
		return ExecutorFunc(func(context.Context, *ExecRequest) (*ExecResult, error) {
			return &ExecResult{Output: name}, nil
		})
	}
	set := NewExecutorSet(named("default"))
	set.Set("special", named("special"))
	assert.True(t, set.Has("special"))
	assert.False(t, set.Has("other"))

	res, err := set.Execute(context.Background(), execRequest("special"))
	require.NoError(t, err)
	assert.Equal(t, "special", res.Output)

	res, err = set.Execute(context.Background(), execRequest("other"))
	require.NoError(t, err)
	assert.Equal(t, "default", res.Output)

	_, err = NewExecutorSet(nil).Execute(context.Background(), execRequest("other"))
	assert.Error(t, err)
}

func TestLLMExecutorPromptCarriesStepAndState(t *testing.T) {
	p := &scriptedProvider{reply: "done"}
	exec := NewLLMExecutor(newScriptedRouter(p), "", "", zap.NewNop())

	res, err := exec.Execute(context.Background(), execRequest("writer"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	require.Len(t, p.last.Messages, 2)
	assert.Contains(t, p.last.Messages[0].Content, "coder agent")
	user := p.last.Messages[1].Content
	assert.Contains(t, user, "write release notes")
	assert.Contains(t, user, "keep it short")
	assert.Contains(t, user, `- version: "1.4.0"`)
}

func TestRenderStateIsBounded(t *testing.T) {
	big := map[string]any{}
	for _, k := range []string{"a", "b", "c"} {
		big[k] = strings.Repeat("x", maxStateChars/2)
	}
	out := renderState(big)
	assert.LessOrEqual(t, len(out), maxStateChars+len("- ...\n"))
	assert.True(t, strings.HasSuffix(out, "- ...\n"))
}

func TestWebhookExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s1", r.Header.Get("X-Conductor-Session"))
		var req ExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		if req.Agent.ID == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "model overloaded"})
			return
		}
		_ = json.NewEncoder(w).Encode(ExecResult{
			Output: "notes for " + req.State["version"].(string),
			State:  []state.Write{{Key: "notes", Value: "v1.4.0 notes"}},
		})
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.URL, time.Second, zap.NewNop())

	res, err := exec.Execute(context.Background(), execRequest("writer"))
	require.NoError(t, err)
	assert.Equal(t, "notes for 1.4.0", res.Output)
	require.Len(t, res.State, 1)
	assert.Equal(t, "notes", res.State[0].Key)

	_, err = exec.Execute(context.Background(), execRequest("broken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}
