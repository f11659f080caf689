// Package plangraph keeps the lineage of orchestration sessions in Neo4j:
// which plan a goal produced, how its steps depend on each other, which
// agents ran them and how each one ended.
package plangraph

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-conductor/internal/jobqueue"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"go.uber.org/zap"
)

// Graph records plans and job outcomes as a property graph:
//
//	(:Session)-[:PLANNED]->(:Plan)-[:HAS_STEP]->(:Step)-[:DEPENDS_ON]->(:Step)
//	(:Step)-[:ASSIGNED_TO {attempts}]->(:Agent)
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a Graph connected to uri.
func New(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints lineage lookups rely on.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT session_id IF NOT EXISTS FOR (s:Session) REQUIRE s.id IS UNIQUE`,
		`CREATE CONSTRAINT plan_id IF NOT EXISTS FOR (p:Plan) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT step_job_id IF NOT EXISTS FOR (st:Step) REQUIRE st.job_id IS UNIQUE`,
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	g.logger.Info("plan graph schema ready")
	return nil
}

// RecordPlan stores the session, its plan and one Step node per job with
// DEPENDS_ON edges between them.
func (g *Graph) RecordPlan(ctx context.Context, sessionID string, plan *orchestrator.TaskPlan, jobs []*jobqueue.Job) error {
	steps := make([]any, 0, len(jobs))
	var deps []any
	for _, j := range jobs {
		steps = append(steps, map[string]any{
			"jobId":     j.ID,
			"stepId":    j.StepID,
			"title":     j.Title,
			"status":    string(j.Status),
			"mandatory": j.Mandatory,
		})
		for _, d := range j.DependsOn {
			deps = append(deps, map[string]any{"from": j.ID, "to": d})
		}
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (s:Session {id: $sessionId})
			 SET s.goal = $goal, s.status = $status, s.started_at = datetime()
			 MERGE (p:Plan {id: $planId})
			 SET p.parallelizable = $parallel, p.steps = $count
			 MERGE (s)-[:PLANNED]->(p)
			 WITH p
			 UNWIND $steps AS step
			 MERGE (st:Step {job_id: step.jobId})
			 SET st.step_id = step.stepId, st.title = step.title,
			     st.status = step.status, st.mandatory = step.mandatory, st.attempts = 0
			 MERGE (p)-[:HAS_STEP]->(st)`,
			map[string]any{
				"sessionId": sessionID,
				"goal":      plan.Goal,
				"status":    string(orchestrator.StatusExecuting),
				"planId":    plan.ID,
				"parallel":  plan.Parallelizable,
				"count":     len(jobs),
				"steps":     steps,
			}); err != nil {
			return nil, err
		}
		if len(deps) == 0 {
			return nil, nil
		}
		_, err := tx.Run(ctx,
			`UNWIND $deps AS dep
			 MATCH (a:Step {job_id: dep.from}), (b:Step {job_id: dep.to})
			 MERGE (a)-[:DEPENDS_ON]->(b)`,
			map[string]any{"deps": deps})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("record plan %s: %w", sessionID, err)
	}
	return nil
}

// RecordJob updates a step's status and links it to the agent running it.
func (g *Graph) RecordJob(ctx context.Context, j *jobqueue.Job) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (st:Step {job_id: $jobId})
		 SET st.status = $status, st.attempts = $attempts, st.error = $error
		 WITH st
		 WHERE $agentId <> ''
		 MERGE (a:Agent {id: $agentId})
		 MERGE (st)-[r:ASSIGNED_TO]->(a)
		 SET r.last_status = $status`,
		map[string]any{
			"jobId":    j.ID,
			"status":   string(j.Status),
			"attempts": j.Attempts,
			"error":    j.Error,
			"agentId":  j.AgentID,
		})
	if err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// RecordSession stores the final status of a session.
func (g *Graph) RecordSession(ctx context.Context, res *orchestrator.Result) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (s:Session {id: $sessionId})
		 SET s.status = $status, s.completed = $completed, s.total = $total,
		     s.errors = $errors, s.finished_at = datetime()`,
		map[string]any{
			"sessionId": res.SessionID,
			"status":    string(res.Status),
			"completed": res.CompletedTasks,
			"total":     res.TotalTasks,
			"errors":    len(res.Errors),
		})
	if err != nil {
		return fmt.Errorf("record session %s: %w", res.SessionID, err)
	}
	return nil
}

// StepNode is one step of a session's lineage.
type StepNode struct {
	JobID     string   `json:"jobId"`
	StepID    string   `json:"stepId"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	DependsOn []string `json:"dependsOn"`
	Agents    []string `json:"agents"`
}

// Lineage returns the steps of a session with their dependencies and the
// agents that ran them, ordered by step id.
func (g *Graph) Lineage(ctx context.Context, sessionID string) ([]StepNode, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Session {id: $sessionId})-[:PLANNED]->(:Plan)-[:HAS_STEP]->(st:Step)
		 OPTIONAL MATCH (st)-[:DEPENDS_ON]->(dep:Step)
		 OPTIONAL MATCH (st)-[:ASSIGNED_TO]->(a:Agent)
		 RETURN st.job_id AS jobId, st.step_id AS stepId, st.title AS title,
		        st.status AS status, st.attempts AS attempts,
		        collect(DISTINCT dep.job_id) AS deps, collect(DISTINCT a.id) AS agents`,
		map[string]any{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("query lineage %s: %w", sessionID, err)
	}

	var nodes []StepNode
	for result.Next(ctx) {
		rec := result.Record()
		n := StepNode{
			JobID:  str(rec, "jobId"),
			StepID: str(rec, "stepId"),
			Title:  str(rec, "title"),
			Status: str(rec, "status"),
		}
		if v, ok := rec.Get("attempts"); ok && v != nil {
			n.Attempts = int(v.(int64))
		}
		n.DependsOn = strs(rec, "deps")
		n.Agents = strs(rec, "agents")
		nodes = append(nodes, n)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read lineage %s: %w", sessionID, err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].StepID < nodes[j].StepID })
	return nodes, nil
}

func str(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func strs(rec *neo4j.Record, key string) []string {
	out := []string{}
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return out
	}
	list, _ := v.([]any)
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
