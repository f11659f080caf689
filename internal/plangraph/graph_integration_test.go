//go:build integration

package plangraph

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

var testGraph *Graph

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		fmt.Fprintf(os.Stderr, "start neo4j: %v\n", err)
		os.Exit(1)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "neo4j bolt url: %v\n", err)
		os.Exit(1)
	}
	testGraph, err = New(uri, "", "", zap.NewNop())
	if err == nil {
		err = testGraph.EnsureSchema(ctx)
	}
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "graph: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = testGraph.Close(ctx)
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func TestLineage(t *testing.T) {
	ctx := context.Background()
	plan := &orchestrator.TaskPlan{ID: "plan-1", Goal: "X", Parallelizable: true, CreatedAt: time.Now()}
	jobs := []*jobqueue.Job{
		{ID: "ja", StepID: "A", Title: "first", Status: jobqueue.StatusPending},
		{ID: "jb", StepID: "B", Title: "second", Status: jobqueue.StatusPending, DependsOn: []string{"ja"}},
		{ID: "jc", StepID: "C", Title: "third", Status: jobqueue.StatusPending, DependsOn: []string{"ja"}},
	}
	require.NoError(t, testGraph.RecordPlan(ctx, "s1", plan, jobs))

	require.NoError(t, testGraph.RecordJob(ctx, &jobqueue.Job{ID: "ja", Status: jobqueue.StatusComplete, AgentID: "w1", Attempts: 1}))
	require.NoError(t, testGraph.RecordJob(ctx, &jobqueue.Job{ID: "jb", Status: jobqueue.StatusReady, AgentID: "w1", Attempts: 1}))
	require.NoError(t, testGraph.RecordJob(ctx, &jobqueue.Job{ID: "jb", Status: jobqueue.StatusFailed, AgentID: "w2", Attempts: 2, Error: "boom"}))
	require.NoError(t, testGraph.RecordJob(ctx, &jobqueue.Job{ID: "jc", Status: jobqueue.StatusSkipped}))
	require.NoError(t, testGraph.RecordSession(ctx, &orchestrator.Result{
		SessionID: "s1", Status: orchestrator.StatusComplete, CompletedTasks: 1, TotalTasks: 3,
	}))

	nodes, err := testGraph.Lineage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, "A", nodes[0].StepID)
	assert.Empty(t, nodes[0].DependsOn)
	assert.Equal(t, []string{"w1"}, nodes[0].Agents)

	assert.Equal(t, []string{"ja"}, nodes[1].DependsOn)
	assert.Equal(t, []string{"w1", "w2"}, nodes[1].Agents, "every agent that attempted the step is linked")
	assert.Equal(t, string(jobqueue.StatusFailed), nodes[1].Status)
	assert.Equal(t, 2, nodes[1].Attempts)

	assert.Equal(t, string(jobqueue.StatusSkipped), nodes[2].Status)
	assert.Empty(t, nodes[2].Agents)
}
