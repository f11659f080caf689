package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logger is the queryable orchestration log. Every entry is kept in memory,
// mirrored to the process logger and optionally forwarded to a Sink.
type Logger struct {
	entries     []Entry
	nextID      int64
	sink        Sink
	sinkTimeout time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	zl          *zap.Logger
}

// SinkTimeout bounds each forwarded entry.
const SinkTimeout = 5 * time.Second

// New creates an empty log mirroring to zl.
func New(zl *zap.Logger) *Logger {
	return &Logger{nextID: 1, sinkTimeout: SinkTimeout, now: time.Now, zl: zl}
}

// SetSink forwards future entries to s.
func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Log appends an entry and returns it with its assigned id.
func (l *Logger) Log(level Level, source, message string, f Fields) Entry {
	l.mu.Lock()
	e := Entry{
		ID:        l.nextID,
		Timestamp: l.now(),
		Level:     level,
		Source:    source,
		Message:   message,
		SessionID: f.SessionID,
		JobID:     f.JobID,
		AgentID:   f.AgentID,
		Data:      f.Data,
	}
	l.nextID++
	l.entries = append(l.entries, e)
	sink := l.sink
	l.mu.Unlock()

	l.mirror(e)
	if sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
		if err := sink.AppendLog(ctx, e); err != nil {
			l.zl.Warn("log sink failed", zap.Int64("entry", e.ID), zap.Error(err))
		}
		cancel()
	}
	return e
}

func (l *Logger) Debug(source, message string, f Fields) Entry {
	return l.Log(LevelDebug, source, message, f)
}

func (l *Logger) Info(source, message string, f Fields) Entry {
	return l.Log(LevelInfo, source, message, f)
}

func (l *Logger) Warn(source, message string, f Fields) Entry {
	return l.Log(LevelWarn, source, message, f)
}

func (l *Logger) Error(source, message string, f Fields) Entry {
	return l.Log(LevelError, source, message, f)
}

// SessionLogs returns a session's entries in insertion order.
func (l *Logger) SessionLogs(sessionID string) []Entry {
	return l.filter(func(e *Entry) bool { return e.SessionID == sessionID })
}

// Errors returns a session's error entries. An empty session id selects
// errors from every session.
func (l *Logger) Errors(sessionID string) []Entry {
	return l.filter(func(e *Entry) bool {
		return e.Level == LevelError && (sessionID == "" || e.SessionID == sessionID)
	})
}

// Statistics is computed from the stored entries on every call. An empty
// session id covers the whole log.
func (l *Logger) Statistics(sessionID string) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Stats{ByLevel: make(map[Level]int), BySource: make(map[string]int)}
	for i := range l.entries {
		e := &l.entries[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		st.Total++
		st.ByLevel[e.Level]++
		st.BySource[e.Source]++
		switch e.Level {
		case LevelError:
			st.Errors++
		case LevelWarn:
			st.Warnings++
		}
		if st.First == nil {
			ts := e.Timestamp
			st.First = &ts
		}
		ts := e.Timestamp
		st.Last = &ts
	}
	if st.Total > 0 {
		st.ErrorRate = float64(st.Errors) / float64(st.Total)
	}
	return st
}

// Recent returns the last n entries, oldest first.
func (l *Logger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		return []Entry{}
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Cleanup drops entries older than before and returns how many were removed.
func (l *Logger) Cleanup(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Entries are appended with non-decreasing timestamps.
	cut := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].Timestamp.Before(before)
	})
	if cut == 0 {
		return 0
	}
	l.entries = append([]Entry(nil), l.entries[cut:]...)
	l.zl.Debug("log retention sweep", zap.Int("removed", cut))
	return cut
}

// Run applies Cleanup with the given retention on every interval.
func (l *Logger) Run(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(l.now().Add(-retention))
		}
	}
}

func (l *Logger) filter(keep func(*Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []Entry{}
	for i := range l.entries {
		if keep(&l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	return out
}

func (l *Logger) mirror(e Entry) {
	fields := []zap.Field{zap.Int64("entry", e.ID), zap.String("source", e.Source)}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session", e.SessionID))
	}
	if e.JobID != "" {
		fields = append(fields, zap.String("job", e.JobID))
	}
	if e.AgentID != "" {
		fields = append(fields, zap.String("agent", e.AgentID))
	}
	for k, v := range e.Data {
		fields = append(fields, zap.Any(k, v))
	}
	switch e.Level {
	case LevelDebug:
		l.zl.Debug(e.Message, fields...)
	case LevelWarn:
		l.zl.Warn(e.Message, fields...)
	case LevelError:
		l.zl.Error(e.Message, fields...)
	default:
		l.zl.Info(e.Message, fields...)
	}
}
