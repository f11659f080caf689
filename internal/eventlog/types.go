package eventlog

import (
	"context"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one append-only record of the orchestration trail.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Fields correlates an entry with a session, job and agent.
type Fields struct {
	SessionID string
	JobID     string
	AgentID   string
	Data      map[string]any
}

// Stats summarizes the entries of one session, or of the whole log.
type Stats struct {
	Total     int            `json:"total"`
	ByLevel   map[Level]int  `json:"byLevel"`
	BySource  map[string]int `json:"bySource"`
	Errors    int            `json:"errors"`
	Warnings  int            `json:"warnings"`
	ErrorRate float64        `json:"errorRate"`
	First     *time.Time     `json:"first,omitempty"`
	Last      *time.Time     `json:"last,omitempty"`
}

// Sink receives every appended entry, e.g. a database table.
type Sink interface {
	AppendLog(ctx context.Context, e Entry) error
}
