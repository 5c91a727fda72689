package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/kmarch/policyledger/internal/tenant"
)

// ErrImportInProgress is returned when another batch for the same agency is
// still in a non-terminal state.
var ErrImportInProgress = errors.New("an import is already in progress for this agency")

// ImportBatchRepo handles import batches. A partial unique index on active
// batches doubles as the per-agency import lease.
type ImportBatchRepo struct{ db *sql.DB }

func NewImportBatchRepo(db *sql.DB) *ImportBatchRepo { return &ImportBatchRepo{db: db} }

// Create inserts a new batch, acquiring the agency's import lease.
func (r *ImportBatchRepo) Create(ctx context.Context, b ImportBatch) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO import_batches(id, agency_id, status, assignment_mode, source_file, created_at)
	VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, b.ID, b.AgencyID, b.Status, b.AssignmentMode, b.SourceFile)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrImportInProgress
	}
	return err
}

func (r *ImportBatchRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE import_batches SET status = ? WHERE id = ?`, status, id)
	return err
}

// Finish moves the batch to a terminal status, releasing the lease.
func (r *ImportBatchRepo) Finish(ctx context.Context, id, status string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE import_batches SET status = ?, completed_at = ? WHERE id = ?`, status, at, id)
	return err
}

// FinishTx is Finish within an existing transaction, used when the batch is
// committed atomically with its writes.
func (r *ImportBatchRepo) FinishTx(ctx context.Context, tx *sql.Tx, id, status string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE import_batches SET status = ?, completed_at = ? WHERE id = ?`, status, at, id)
	return err
}

func (r *ImportBatchRepo) Get(ctx context.Context, tn tenant.Context, id string) (*ImportBatch, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
	SELECT id, agency_id, status, assignment_mode, source_file, created_at, completed_at
	FROM import_batches WHERE id = ? AND agency_id = ?`, id, tn.AgencyID)
	var b ImportBatch
	if err := row.Scan(&b.ID, &b.AgencyID, &b.Status, &b.AssignmentMode, &b.SourceFile, &b.CreatedAt, &b.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}
