package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published for every session.
const (
	EventSessionStarted  = "session.started"
	EventSessionFinished = "session.finished"
	EventJobRunning      = "job.running"
	EventJobComplete     = "job.complete"
	EventJobRetry        = "job.retry"
	EventJobFailed       = "job.failed"
	EventJobSkipped      = "job.skipped"
)

// Event is a lifecycle notification for observers of a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	JobID     string    `json:"jobId,omitempty"`
	StepID    string    `json:"stepId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives session events. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// MessageBus publishes session events to Redis Streams, one stream per session.
// A session's stream expires streamTTL after its session.finished event.
type MessageBus struct {
	rdb       *redis.Client
	maxLen    int64
	streamTTL time.Duration
	logger    *zap.Logger
}

// NewMessageBus connects to Redis and verifies the connection.
func NewMessageBus(redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, maxLen: 1000, streamTTL: time.Hour, logger: logger}, nil
}

const streamPrefix = "conductor:session:"

// StreamKey is the Redis stream holding a session's events.
func StreamKey(sessionID string) string {
	return streamPrefix + sessionID
}

// Publish appends an event to its session stream.
func (mb *MessageBus) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := StreamKey(ev.SessionID)
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: mb.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": ev.Type,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	if ev.Type == EventSessionFinished && mb.streamTTL > 0 {
		if err := mb.Expire(ctx, ev.SessionID, mb.streamTTL); err != nil {
			mb.logger.Warn("expire event stream", zap.String("stream", stream), zap.Error(err))
		}
	}

	mb.logger.Debug("published event",
		zap.String("session", ev.SessionID),
		zap.String("type", ev.Type))
	return nil
}

// Subscribe streams a session's events from the beginning of its stream.
// The channel closes when ctx is done.
func (mb *MessageBus) Subscribe(ctx context.Context, sessionID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := StreamKey(sessionID)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Warn("read event stream", zap.String("stream", stream), zap.Error(err))
					time.Sleep(time.Second)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Expire sets a TTL on a finished session's stream.
func (mb *MessageBus) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	return mb.rdb.Expire(ctx, StreamKey(sessionID), ttl).Err()
}

func (mb *MessageBus) Ping(ctx context.Context) error {
	return mb.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
