package repository

import (
	"context"
	"database/sql"

	"github.com/kmarch/policyledger/internal/tenant"
)

// AgentRepo handles agents.
type AgentRepo struct{ db *sql.DB }

func NewAgentRepo(db *sql.DB) *AgentRepo { return &AgentRepo{db: db} }

func (r *AgentRepo) Upsert(ctx context.Context, a Agent) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO agents(id, agency_id, name, is_active, created_at)
	VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active
	`, a.ID, a.AgencyID, a.Name, a.IsActive)
	return err
}

func (r *AgentRepo) Get(ctx context.Context, tn tenant.Context, id string) (*Agent, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT id, agency_id, name, is_active, created_at FROM agents WHERE id = ? AND agency_id = ?`,
		id, tn.AgencyID)
	var a Agent
	if err := row.Scan(&a.ID, &a.AgencyID, &a.Name, &a.IsActive, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AgentRepo) List(ctx context.Context, tn tenant.Context) ([]Agent, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, agency_id, name, is_active, created_at FROM agents WHERE agency_id = ? ORDER BY name ASC`,
		tn.AgencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.AgencyID, &a.Name, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Map returns the agency's agents keyed by id.
func (r *AgentRepo) Map(ctx context.Context, tn tenant.Context) (map[string]Agent, error) {
	list, err := r.List(ctx, tn)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Agent, len(list))
	for _, a := range list {
		out[a.ID] = a
	}
	return out, nil
}
