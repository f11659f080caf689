//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("CONDUCTOR_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

var client = &http.Client{Timeout: 180 * time.Second}

// call sends a JSON request and decodes the response into out when non-nil.
func call(t *testing.T, method, path string, in, out any) int {
	t.Helper()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	var body map[string]any
	if code := call(t, http.MethodGet, "/api/health", nil, &body); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	t.Logf("health: %v", body)
}

func TestAgentLifecycle(t *testing.T) {
	var a registry.Agent
	code := call(t, http.MethodPost, "/api/agents", map[string]any{
		"id": "smoke-agent", "type": "specialist", "max_load": 1,
		"capabilities": []map[string]any{{"name": "smoke"}},
	}, &a)
	if code != http.StatusCreated {
		t.Fatalf("register: status %d", code)
	}
	if a.Status != registry.StatusActive {
		t.Errorf("expected active agent, got %s", a.Status)
	}

	if code := call(t, http.MethodDelete, "/api/agents/smoke-agent", nil, &a); code != http.StatusOK {
		t.Fatalf("deregister: status %d", code)
	}
	if a.Status != registry.StatusOffline {
		t.Errorf("expected offline agent, got %s", a.Status)
	}
}

func TestOrchestrateInlinePlan(t *testing.T) {
	call(t, http.MethodPost, "/api/agents", map[string]any{
		"id": "smoke-writer", "type": "specialist", "max_load": 2,
		"capabilities": []map[string]any{{"name": "smoke-write"}},
	}, nil)
	t.Cleanup(func() { call(t, http.MethodDelete, "/api/agents/smoke-writer", nil, nil) })

	var res orchestrator.Result
	code := call(t, http.MethodPost, "/api/orchestrate", map[string]any{
		"goal": "Write a one sentence greeting, then translate it to French",
		"wait": true,
		"plan": map[string]any{
			"steps": []map[string]any{
				{"id": "greet", "title": "write greeting", "requiredCapabilities": []string{"smoke-write"}},
				{"id": "translate", "title": "translate greeting", "requiredCapabilities": []string{"smoke-write"}, "dependsOn": []string{"greet"}},
			},
		},
	}, &res)
	if code != http.StatusOK {
		t.Fatalf("orchestrate: status %d", code)
	}
	if !res.Status.IsTerminal() {
		t.Fatalf("expected a finished session, got %s", res.Status)
	}
	if res.TotalTasks != 2 {
		t.Errorf("expected 2 tasks, got %d", res.TotalTasks)
	}
	t.Logf("session %s: %s %v", res.SessionID, res.Status, res.Errors)

	var body struct {
		Logs []eventlog.Entry `json:"logs"`
	}
	if code := call(t, http.MethodGet, "/api/sessions/"+res.SessionID+"/logs", nil, &body); code != http.StatusOK {
		t.Fatalf("logs: status %d", code)
	}
	if len(body.Logs) == 0 {
		t.Error("expected orchestration logs for the session")
	}
}

func TestUnknownSession(t *testing.T) {
	if code := call(t, http.MethodGet, "/api/sessions/does-not-exist", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}
