package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"go.uber.org/zap"
)

type testDeps struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	release  chan struct{}
}

// newTestHandler creates a Handler wired with in-memory deps (no Postgres/Redis/Neo4j).
// Jobs for step "slow" block until deps.release is closed.
func newTestHandler(t *testing.T, opts ...Option) (*testDeps, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(logger)
	if _, err := reg.Register(registry.Agent{
		ID: "writer", Type: registry.TypeSpecialist, MaxLoad: 2,
		Capabilities: []registry.Capability{{Name: "write"}},
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	st := state.NewManager(0, logger)
	events := eventlog.New(logger)

	release := make(chan struct{})
	exec := orchestrator.ExecutorFunc(func(ctx context.Context, req *orchestrator.ExecRequest) (*orchestrator.ExecResult, error) {
		switch req.Job.StepID {
		case "slow":
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case "broken":
			return nil, errors.New("boom")
		}
		return &orchestrator.ExecResult{Output: "did " + req.Job.Title}, nil
	})
	planner := orchestrator.StaticPlanner{Steps: []orchestrator.TaskStep{
		{ID: "draft", Title: "draft", RequiredCapabilities: []string{"write"}},
		{ID: "polish", Title: "polish", RequiredCapabilities: []string{"write"}, DependsOn: []string{"draft"}},
	}}
	cfg := orchestrator.DefaultConfig()
	cfg.RetryDelay = 0
	orch := orchestrator.New(planner, exec, reg, st, events, logger, orchestrator.WithConfig(cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	h := NewHandler(orch, reg, st, events, logger, opts...)
	return &testDeps{orch: orch, registry: reg, release: release}, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func putJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// waitSession polls a session until it leaves the executing state.
func waitSession(t *testing.T, ts *httptest.Server, id string) orchestrator.Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var res orchestrator.Result
		decodeJSON(t, getJSON(t, ts, "/api/sessions/"+id), &res)
		if res.Status.IsTerminal() {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return orchestrator.Result{}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t, WithBackend("postgres", failingPinger{}))
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status   string            `json:"status"`
		Service  string            `json:"service"`
		Backends map[string]string `json:"backends"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "degraded" {
		t.Errorf("expected degraded, got %q", body.Status)
	}
	if body.Backends["postgres"] != "connection refused" {
		t.Errorf("unexpected backend report %v", body.Backends)
	}
}

func TestOrchestrateAsync(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/orchestrate", map[string]interface{}{
		"goal":           "write the launch post",
		"initialContext": map[string]string{"audience": "developers"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var started orchestrator.Result
	decodeJSON(t, resp, &started)
	if started.SessionID == "" || started.TotalTasks != 2 || len(started.JobIDs) != 2 {
		t.Fatalf("unexpected start response %+v", started)
	}

	res := waitSession(t, ts, started.SessionID)
	if res.Status != orchestrator.StatusComplete {
		t.Fatalf("expected complete, got %s (%v)", res.Status, res.Errors)
	}
	if res.Results["polish"] != "did polish" {
		t.Errorf("unexpected results %v", res.Results)
	}

	var body struct {
		Logs []eventlog.Entry `json:"logs"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/sessions/"+started.SessionID+"/logs"), &body)
	logs := body.Logs
	if len(logs) == 0 {
		t.Fatal("expected session logs")
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].ID <= logs[i-1].ID {
			t.Fatalf("logs out of order at %d", i)
		}
	}

	var stats eventlog.Stats
	decodeJSON(t, getJSON(t, ts, "/api/sessions/"+started.SessionID+"/stats"), &stats)
	if stats.Total != len(logs) || stats.Errors != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	var list []orchestrator.Summary
	decodeJSON(t, getJSON(t, ts, "/api/sessions"), &list)
	if len(list) != 1 || list[0].CompletedTasks != 2 {
		t.Errorf("unexpected session list %+v", list)
	}
}

func TestOrchestrateWaitWithInlinePlan(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/orchestrate", map[string]interface{}{
		"goal": "fail loudly",
		"wait": true,
		"plan": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"id": "broken", "title": "break", "requiredCapabilities": []string{"write"}},
				{"id": "after", "title": "after", "requiredCapabilities": []string{"write"}, "dependsOn": []string{"broken"}},
			},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res orchestrator.Result
	decodeJSON(t, resp, &res)
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "broken failed:") {
		t.Fatalf("unexpected errors %v", res.Errors)
	}

	var errs []eventlog.Entry
	decodeJSON(t, getJSON(t, ts, "/api/sessions/"+res.SessionID+"/errors"), &errs)
	if len(errs) == 0 {
		t.Fatal("expected error log entries")
	}
}

func TestOrchestrateRejectsBadInput(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/orchestrate", map[string]string{"goal": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty goal: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/orchestrate", map[string]interface{}{
		"goal": "loop forever",
		"plan": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"id": "a", "dependsOn": []string{"b"}},
				{"id": "b", "dependsOn": []string{"a"}},
			},
		},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("cycle: expected 422, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if !strings.Contains(body["error"], "cycle") {
		t.Errorf("expected cycle error, got %q", body["error"])
	}

	resp = getJSON(t, ts, "/api/sessions/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelSession(t *testing.T) {
	deps, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/orchestrate", map[string]interface{}{
		"goal": "take forever",
		"plan": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"id": "slow", "title": "slow", "requiredCapabilities": []string{"write"}},
				{"id": "next", "title": "next", "requiredCapabilities": []string{"write"}, "dependsOn": []string{"slow"}},
			},
		},
	})
	var started orchestrator.Result
	decodeJSON(t, resp, &started)

	var entries []state.Entry
	decodeJSON(t, getJSON(t, ts, "/api/sessions/"+started.SessionID+"/state"), &entries)
	if len(entries) != 1 || entries[0].Key != "goal" {
		t.Errorf("expected the seeded goal in state, got %+v", entries)
	}

	resp = postJSON(t, ts, "/api/sessions/"+started.SessionID+"/cancel", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	close(deps.release)

	res := waitSession(t, ts, started.SessionID)
	if res.Status != orchestrator.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	for _, j := range res.Jobs {
		if j.Status != "skipped" {
			t.Errorf("job %s: expected skipped, got %s", j.StepID, j.Status)
		}
	}

	resp = getJSON(t, ts, "/api/sessions/"+started.SessionID+"/state")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("state after finish: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentLifecycle(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id":           "reviewer-1",
		"type":         "reviewer",
		"max_load":     2,
		"capabilities": []map[string]interface{}{{"name": "review", "domains": []string{"prose"}}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents", map[string]string{"id": "bad", "type": "wizard"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid type: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	var list struct {
		Agents []registry.Agent `json:"agents"`
		Count  int              `json:"count"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/agents"), &list)
	if len(list.Agents) != 2 || list.Count != 2 {
		t.Fatalf("expected 2 agents, got %d (count %d)", len(list.Agents), list.Count)
	}

	var a registry.Agent
	decodeJSON(t, putJSON(t, ts, "/api/agents/reviewer-1/status", map[string]string{"status": "busy"}), &a)
	if a.Status != registry.StatusBusy {
		t.Errorf("expected busy, got %s", a.Status)
	}

	decodeJSON(t, deleteReq(t, ts, "/api/agents/reviewer-1"), &a)
	if a.Status != registry.StatusOffline {
		t.Errorf("expected offline after deregister, got %s", a.Status)
	}

	resp = getJSON(t, ts, "/api/agents/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	var stats registry.Stats
	decodeJSON(t, getJSON(t, ts, "/api/stats"), &stats)
	if stats.TotalAgents != 2 || stats.OfflineAgents != 1 || stats.TotalCapacity == 0 {
		t.Errorf("unexpected registry stats %+v", stats)
	}
}

func TestRecentLogs(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/orchestrate", map[string]interface{}{"goal": "write", "wait": true})
	resp.Body.Close()

	var logs []eventlog.Entry
	decodeJSON(t, getJSON(t, ts, "/api/logs/recent?n=3"), &logs)
	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logs))
	}
	if !strings.HasPrefix(logs[2].Message, "orchestration complete") {
		t.Errorf("expected the finish entry last, got %q", logs[2].Message)
	}
}

func TestOptionalRoutesWithoutBackends(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	for _, path := range []string{"/api/history", "/api/sessions/x/lineage", "/api/sessions/x/events"} {
		resp := getJSON(t, ts, path)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSessionEventsStream(t *testing.T) {
	src := &fakeSource{}
	_, router := newTestHandler(t, WithEventSource(src))
	ts := httptest.NewServer(router)
	defer ts.Close()

	var started orchestrator.Result
	decodeJSON(t, postJSON(t, ts, "/api/orchestrate", map[string]string{"goal": "write"}), &started)
	src.events = []*orchestrator.Event{
		{Type: orchestrator.EventSessionStarted, SessionID: started.SessionID},
		{Type: orchestrator.EventJobComplete, SessionID: started.SessionID, StepID: "draft"},
		{Type: orchestrator.EventSessionFinished, SessionID: started.SessionID},
	}

	resp := getJSON(t, ts, "/api/sessions/"+started.SessionID+"/events")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	body := buf.String()
	if strings.Count(body, "event: ") != 3 || !strings.Contains(body, "event: job.complete") {
		t.Errorf("unexpected stream %q", body)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fakeSource struct {
	events []*orchestrator.Event
}

func (f *fakeSource) Subscribe(ctx context.Context, _ string) <-chan *orchestrator.Event {
	ch := make(chan *orchestrator.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRetiredSessionServedFromHistory(t *testing.T) {
	done := time.Now()
	hist := &fakeHistory{
		result: &orchestrator.Result{
			SessionID: "old", Goal: "ship", Status: orchestrator.StatusComplete,
			Results: map[string]any{"draft": "ok"}, Errors: []string{},
			CompletedTasks: 1, TotalTasks: 1, FinishedAt: &done,
		},
		entries: []state.Entry{
			{Key: "goal", Value: "ship", Visibility: state.Shared},
			{Key: "notes", Value: "mine", Visibility: state.Private, WriterID: "writer"},
		},
	}
	_, router := newTestHandler(t, WithHistory(hist))
	ts := httptest.NewServer(router)
	defer ts.Close()

	var res orchestrator.Result
	resp := getJSON(t, ts, "/api/sessions/old")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &res)
	if res.Status != orchestrator.StatusComplete || res.Results["draft"] != "ok" {
		t.Errorf("unexpected stored session %+v", res)
	}

	var entries []state.Entry
	decodeJSON(t, getJSON(t, ts, "/api/sessions/old/state"), &entries)
	if len(entries) != 1 || entries[0].Key != "goal" {
		t.Errorf("private entries must stay hidden, got %+v", entries)
	}

	resp = getJSON(t, ts, "/api/sessions/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session, got %d", resp.StatusCode)
	}
	resp = getJSON(t, ts, "/api/sessions/missing/state")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session state, got %d", resp.StatusCode)
	}
}

type fakeHistory struct {
	result  *orchestrator.Result
	entries []state.Entry
}

func (f *fakeHistory) ListSessions(context.Context, int) ([]orchestrator.Summary, error) {
	return nil, nil
}

func (f *fakeHistory) SessionResult(_ context.Context, id string) (*orchestrator.Result, error) {
	if f.result == nil || id != f.result.SessionID {
		return nil, orchestrator.ErrSessionNotFound
	}
	return f.result, nil
}

func (f *fakeHistory) SessionLogs(context.Context, string, int) ([]eventlog.Entry, error) {
	return nil, nil
}

func (f *fakeHistory) LoadEntries(_ context.Context, id string) ([]state.Entry, error) {
	if f.result == nil || id != f.result.SessionID {
		return nil, nil
	}
	return f.entries, nil
}
