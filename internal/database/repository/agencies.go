package repository

import (
	"context"
	"database/sql"
)

// AgencyRepo handles agencies.
type AgencyRepo struct{ db *sql.DB }

func NewAgencyRepo(db *sql.DB) *AgencyRepo { return &AgencyRepo{db: db} }

func (r *AgencyRepo) Upsert(ctx context.Context, a Agency) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO agencies(id, owner_id, name, created_at)
	VALUES(?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name
	`, a.ID, a.OwnerID, a.Name)
	return err
}

func (r *AgencyRepo) Get(ctx context.Context, id string) (*Agency, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM agencies WHERE id = ?`, id)
	var a Agency
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
