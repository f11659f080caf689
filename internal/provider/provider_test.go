package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	reply string
	err   error
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return s.err }

func TestRouteUsesBindingThenFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "main", reply: "from main"})
	r.Register(&stubProvider{id: "broken", err: errors.New("down")})
	r.Register(&stubProvider{id: "spare", reply: "from spare"})

	resp, err := r.Route(context.Background(), "anyone", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from main", resp.Content)

	r.Bind("coder", "broken")
	r.SetFallbacks("coder", []string{"spare"})
	resp, err = r.Route(context.Background(), "coder", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from spare", resp.Content)

	health := r.Health(context.Background())
	assert.Equal(t, "ok", health["main"])
	assert.Equal(t, "down", health["broken"])
}

func TestRouteWithoutProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), "x", &ChatRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRouteJoinsChainErrors(t *testing.T) {
	r := NewRouter(zap.NewNop())
	quota := errors.New("quota")
	r.Register(&stubProvider{id: "main", err: errors.New("down")})
	r.Register(&stubProvider{id: "spare", err: quota})
	r.SetFallbacks("planner", []string{"spare", "missing", "main"})

	_, err := r.Route(context.Background(), "planner", &ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota)
	assert.Contains(t, err.Error(), "main: down")

	r.SetDefault("spare")
	ids := []string{}
	for _, p := range r.Providers() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"main", "spare"}, ids)
}

func TestOpenAIChatRequestsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m1", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"m1","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p, err := New(ProviderConfig{ID: "oai", Type: "openai", Endpoint: srv.URL, APIKey: "k", Models: []string{"m1"}}, zap.NewNop())
	require.NoError(t, err)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "plan"}},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestAnthropicFoldsSystemMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a\n\nb", body.System)
		assert.Len(t, body.Messages, 1)
		assert.Equal(t, 4096, body.MaxTokens)
		_, _ = w.Write([]byte(`{"id":"m","model":"x","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "ant", Endpoint: srv.URL}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: "system", Content: "a"},
		{Role: "system", Content: "b"},
		{Role: "user", Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	_, err = New(ProviderConfig{ID: "x", Type: "cohere"}, zap.NewNop())
	assert.Error(t, err)
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "ant", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	err := p.HealthCheck(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.True(t, apiErr.Temporary())
	assert.Contains(t, apiErr.Body, "slow down")
}
