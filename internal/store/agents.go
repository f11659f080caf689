package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/registry"
)

// SaveAgent upserts an agent definition. Load is runtime-only and is not
// stored.
func (s *Store) SaveAgent(ctx context.Context, a *registry.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	status := a.Status
	if status == registry.StatusBusy {
		status = registry.StatusActive
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, type, capabilities, max_load, priority, status, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			capabilities = EXCLUDED.capabilities,
			max_load = EXCLUDED.max_load,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, string(a.Type), caps, a.MaxLoad, a.Priority, string(status),
		a.RegisteredAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns every stored agent, oldest registration first.
func (s *Store) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, capabilities, max_load, priority, status, registered_at
		FROM agents
		ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		var (
			a        registry.Agent
			typ, st  string
			capsJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &capsJSON, &a.MaxLoad, &a.Priority, &st, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = registry.AgentType(typ)
		a.Status = registry.Status(st)
		if len(capsJSON) > 0 {
			if err := json.Unmarshal(capsJSON, &a.Capabilities); err != nil {
				return nil, fmt.Errorf("decode capabilities of %s: %w", a.ID, err)
			}
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
