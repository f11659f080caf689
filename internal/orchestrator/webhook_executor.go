package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookExecutor hands jobs to a remote agent over HTTP. The agent receives
// the ExecRequest as JSON and replies with an ExecResult, or with
// {"error": "..."} and a non-2xx status.
type WebhookExecutor struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookExecutor creates an executor posting to url. A zero timeout
// leaves the deadline to the job context.
func NewWebhookExecutor(url string, timeout time.Duration, logger *zap.Logger) *WebhookExecutor {
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (e *WebhookExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Conductor-Session", req.SessionID)
	httpReq.Header.Set("X-Conductor-Job", req.Job.ID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call agent %s: %w", req.Agent.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var reply struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &reply) == nil && reply.Error != "" {
			return nil, fmt.Errorf("agent %s: %s", req.Agent.ID, reply.Error)
		}
		return nil, fmt.Errorf("agent %s: status %d", req.Agent.ID, resp.StatusCode)
	}

	var out ExecResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode agent reply: %w", err)
		}
	}
	e.logger.Debug("webhook job finished",
		zap.String("job", req.Job.ID),
		zap.String("agent", req.Agent.ID),
		zap.Int("status", resp.StatusCode))
	return &out, nil
}
