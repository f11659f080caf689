package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIDsAreMonotonic(t *testing.T) {
	l := New(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Info("test", fmt.Sprintf("entry %d", i), Fields{SessionID: "s1"})
		}(i)
	}
	wg.Wait()

	logs := l.SessionLogs("s1")
	require.Len(t, logs, 100)
	for i := 1; i < len(logs); i++ {
		assert.Greater(t, logs[i].ID, logs[i-1].ID)
	}
}

func TestSessionQueries(t *testing.T) {
	l := New(zap.NewNop())
	l.Info("orchestrator", "session started", Fields{SessionID: "s1"})
	l.Warn("registry", "no agent", Fields{SessionID: "s1", JobID: "j1"})
	l.Error("orchestrator", "job failed", Fields{SessionID: "s1", JobID: "j1", AgentID: "a1"})
	l.Error("orchestrator", "job failed", Fields{SessionID: "s2", JobID: "j9"})
	l.Debug("state", "swept", Fields{})

	assert.Len(t, l.SessionLogs("s1"), 3)
	assert.Empty(t, l.SessionLogs("nope"))

	errs := l.Errors("s1")
	require.Len(t, errs, 1)
	assert.Equal(t, "a1", errs[0].AgentID)
	assert.Len(t, l.Errors(""), 2)

	st := l.Statistics("s1")
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 1, st.Warnings)
	assert.Equal(t, 2, st.BySource["orchestrator"])
	assert.InDelta(t, 1.0/3.0, st.ErrorRate, 1e-9)

	// Statistics follow the stored entries.
	l.Error("orchestrator", "another", Fields{SessionID: "s1"})
	assert.Equal(t, 2, l.Statistics("s1").Errors)
	assert.Equal(t, 6, l.Statistics("").Total)
	assert.Zero(t, l.Statistics("nope").ErrorRate)
}

func TestRecent(t *testing.T) {
	l := New(zap.NewNop())
	for i := 0; i < 5; i++ {
		l.Info("test", fmt.Sprint(i), Fields{})
	}
	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Message)
	assert.Equal(t, "4", recent[1].Message)
	assert.Len(t, l.Recent(50), 5)
	assert.Empty(t, l.Recent(0))
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	l := New(zap.NewNop())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}
	for i := 0; i < 4; i++ {
		l.Info("test", fmt.Sprint(i), Fields{SessionID: "s1"})
	}

	removed := l.Cleanup(base.Add(3 * time.Hour))
	assert.Equal(t, 2, removed)
	logs := l.SessionLogs("s1")
	require.Len(t, logs, 2)
	assert.Equal(t, int64(3), logs[0].ID)

	next := l.Info("test", "after", Fields{})
	assert.Equal(t, int64(5), next.ID, "ids keep increasing after cleanup")
}

func TestSinkReceivesEntries(t *testing.T) {
	l := New(zap.NewNop())
	s := &recordingSink{}
	l.SetSink(s)
	l.Info("test", "one", Fields{})
	s.fail = true
	l.Error("test", "two", Fields{})

	assert.Equal(t, []int64{1, 2}, s.ids)
	assert.Len(t, l.Recent(10), 2, "sink failures never drop entries")
}

type recordingSink struct {
	ids  []int64
	fail bool
}

func (r *recordingSink) AppendLog(_ context.Context, e Entry) error {
	r.ids = append(r.ids, e.ID)
	if r.fail {
		return errors.New("db down")
	}
	return nil
}

type stalledSink struct{}

func (stalledSink) AppendLog(ctx context.Context, _ Entry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledSinkIsBounded(t *testing.T) {
	l := New(zap.NewNop())
	l.sinkTimeout = 20 * time.Millisecond
	l.SetSink(stalledSink{})

	start := time.Now()
	e := l.Warn("test", "slow store", Fields{SessionID: "s1"})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), e.ID)
	require.Len(t, l.SessionLogs("s1"), 1)
}
