package registry

import (
	"errors"
	"strings"
	"time"
)

// AgentType is the coarse role an agent plays in a plan.
type AgentType string

const (
	TypePlanner    AgentType = "planner"
	TypeResearcher AgentType = "researcher"
	TypeCoder      AgentType = "coder"
	TypeReviewer   AgentType = "reviewer"
	TypeSpecialist AgentType = "specialist"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case TypePlanner, TypeResearcher, TypeCoder, TypeReviewer, TypeSpecialist:
		return true
	}
	return false
}

// Status is an agent's availability.
type Status string

const (
	StatusActive  Status = "active"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Capability is a declared skill. Immutable once registered.
type Capability struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// Agent is a point-in-time view of a registered agent.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         AgentType    `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Status       Status       `json:"status"`
	CurrentLoad  int          `json:"current_load"`
	MaxLoad      int          `json:"max_load"`
	Priority     int          `json:"priority"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// HasCapability reports whether the agent declares a capability by name.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// Stats summarizes registry capacity.
type Stats struct {
	TotalAgents   int               `json:"totalAgents"`
	ActiveAgents  int               `json:"activeAgents"`
	BusyAgents    int               `json:"busyAgents"`
	OfflineAgents int               `json:"offlineAgents"`
	TotalCapacity int               `json:"totalCapacity"`
	UsedCapacity  int               `json:"usedCapacity"`
	AgentsByType  map[AgentType]int `json:"agentsByType"`
}

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidAgent  = errors.New("invalid agent")
)
