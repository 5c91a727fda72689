// Package assign resolves which agent is credited for each statement row
// under one of three assignment policies.
package assign

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
)

// Mode selects the assignment policy for a batch.
type Mode string

const (
	// ModeAssignAll credits every row to one operator-selected agent,
	// overriding any agent inherited from a matched transaction.
	ModeAssignAll Mode = "assign_all"
	// ModeAutoAssign inherits the matched transaction's agent, falling back
	// to the customer's historical policies.
	ModeAutoAssign Mode = "auto_assign"
	// ModeManual requires an explicit assignment per row before commit.
	ModeManual Mode = "manual"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAssignAll:
		return ModeAssignAll, nil
	case ModeAutoAssign:
		return ModeAutoAssign, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("unknown assignment mode %q", s)
}

// Assignment methods recorded on resolutions.
const (
	MethodMatchedPolicy = "matched_policy"
	MethodBulkAssigned  = "bulk_assigned"
	MethodAutoAssigned  = "auto_assigned"
	MethodNeedsManual   = "needs_manual"
	MethodManual        = "manual"
)

// InvalidAssignmentError reports an assignment that violates the
// tenant/active-agent invariant. It is fatal to the row and blocks commit.
type InvalidAssignmentError struct {
	AgentID string
	Reason  string
}

func (e *InvalidAssignmentError) Error() string {
	return fmt.Sprintf("invalid agent assignment %q: %s", e.AgentID, e.Reason)
}

// Resolution is the attribution outcome for one row. An empty AgentID means
// the row still needs a manual assignment.
type Resolution struct {
	AgentID string
	Method  string
}

// NeedsManual reports whether the row is still unassigned.
func (r Resolution) NeedsManual() bool { return r.AgentID == "" }

// Resolver applies one assignment mode across a batch. Agents is the
// importing agency's roster; History is the agency transaction pool used for
// the customer-history fallback.
type Resolver struct {
	Tenant          tenant.Context
	Mode            Mode
	SelectedAgentID string
	Agents          map[string]repository.Agent
	History         []repository.Transaction
}

// Resolve determines the credited agent for a row. matched is the base
// transaction the row matched, or nil.
func (r *Resolver) Resolve(row statement.Row, matched *repository.Transaction) (Resolution, error) {
	switch r.Mode {
	case ModeAssignAll:
		if err := r.Validate(r.SelectedAgentID); err != nil {
			return Resolution{}, err
		}
		return Resolution{AgentID: r.SelectedAgentID, Method: MethodBulkAssigned}, nil

	case ModeAutoAssign:
		if matched != nil && matched.AgentID != nil {
			if err := r.Validate(*matched.AgentID); err != nil {
				return Resolution{}, err
			}
			return Resolution{AgentID: *matched.AgentID, Method: MethodMatchedPolicy}, nil
		}
		if id := r.agentFromHistory(row.CustomerName); id != "" {
			return Resolution{AgentID: id, Method: MethodAutoAssigned}, nil
		}
		return Resolution{Method: MethodNeedsManual}, nil

	case ModeManual:
		return Resolution{Method: MethodManual}, nil
	}
	return Resolution{}, fmt.Errorf("unknown assignment mode %q", r.Mode)
}

// Validate enforces the attribution invariant: the agent must belong to the
// importing agency and be active. Inactive agents may still be referenced
// historically but may not receive new attribution.
func (r *Resolver) Validate(agentID string) error {
	if agentID == "" {
		return &InvalidAssignmentError{Reason: "no agent selected"}
	}
	agent, ok := r.Agents[agentID]
	if !ok {
		return &InvalidAssignmentError{AgentID: agentID, Reason: "agent not found in agency"}
	}
	if agent.AgencyID != r.Tenant.AgencyID {
		return &InvalidAssignmentError{AgentID: agentID, Reason: "agent belongs to another agency"}
	}
	if !agent.IsActive {
		return &InvalidAssignmentError{AgentID: agentID, Reason: "agent is inactive"}
	}
	return nil
}

// agentFromHistory picks the agent holding the most policies for the
// customer, skipping agents that can no longer receive attribution. Ties
// break on the lowest agent id so the outcome is deterministic.
func (r *Resolver) agentFromHistory(customer string) string {
	key := strings.ToLower(strings.TrimSpace(customer))
	if key == "" {
		return ""
	}
	counts := make(map[string]int)
	for _, t := range r.History {
		if t.AgencyID != r.Tenant.AgencyID || t.AgentID == nil {
			continue
		}
		if strings.ToLower(strings.TrimSpace(t.CustomerName)) != key {
			continue
		}
		if r.Validate(*t.AgentID) != nil {
			continue
		}
		counts[*t.AgentID]++
	}
	if len(counts) == 0 {
		return ""
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ids[0]
	for _, id := range ids[1:] {
		if counts[id] > counts[best] {
			best = id
		}
	}
	return best
}
