package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kmarch/policyledger/internal/tenant"
)

const transactionColumns = `id, agency_id, agent_id, customer_name, policy_number, effective_date,
 transaction_type, carrier_name, policy_type, premium, commission, paid,
 statement_date, recon_status, batch_id, source_transaction_id, source_hash, created_at, updated_at`

// TransactionRepo handles base transactions and ledger entries.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTransaction(ctx context.Context, e execer, t Transaction) error {
	_, err := e.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, agency_id, agent_id, customer_name, policy_number, effective_date,
	 transaction_type, carrier_name, policy_type, premium, commission, paid,
	 statement_date, recon_status, batch_id, source_transaction_id, source_hash,
	 created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		t.ID, t.AgencyID, t.AgentID, t.CustomerName, t.PolicyNumber, t.EffectiveDate,
		t.TransactionType, t.CarrierName, t.PolicyType, t.PremiumCents, t.CommissionCents, t.PaidCents,
		t.StatementDate, t.ReconStatus, t.BatchID, t.SourceTxID, t.SourceHash)
	return err
}

func (r *TransactionRepo) Insert(ctx context.Context, t Transaction) error {
	return insertTransaction(ctx, r.db, t)
}

// InsertTx inserts within an existing transaction, used by the batched
// import commit so the whole batch applies or none of it does.
func (r *TransactionRepo) InsertTx(ctx context.Context, tx *sql.Tx, t Transaction) error {
	return insertTransaction(ctx, tx, t)
}

func (r *TransactionRepo) Get(ctx context.Context, tn tenant.Context, id string) (*Transaction, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ? AND agency_id = ?`, id, tn.AgencyID)
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListForMatching returns the agency's transactions effective on or after
// since, both base transactions and ledger entries. Callers split the two.
func (r *TransactionRepo) ListForMatching(ctx context.Context, tn tenant.Context, since time.Time) ([]Transaction, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE agency_id = ? AND effective_date >= ?
		 ORDER BY effective_date DESC, id ASC`, tn.AgencyID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// LedgerEntriesFor returns ledger entries reconciling the given base
// transaction with a statement date on or after since.
func (r *TransactionRepo) LedgerEntriesFor(ctx context.Context, tn tenant.Context, baseID string, since time.Time) ([]Transaction, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE agency_id = ? AND source_transaction_id = ? AND statement_date >= ?
		 ORDER BY statement_date ASC, id ASC`, tn.AgencyID, baseID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// CountBySourceHash reports how many stored rows already carry each of the
// given idempotency keys. Used to flag statement re-imports; it does not
// block them.
func (r *TransactionRepo) CountBySourceHash(ctx context.Context, tn tenant.Context, hashes []string) (map[string]int, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(hashes)+1)
	args = append(args, tn.AgencyID)
	for _, h := range hashes {
		args = append(args, h)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_hash, COUNT(*) FROM transactions
		 WHERE agency_id = ? AND source_hash IN (`+placeholders+`)
		 GROUP BY source_hash`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		var n int
		if err := rows.Scan(&h, &n); err != nil {
			return nil, err
		}
		out[h] = n
	}
	return out, rows.Err()
}

// AgentBalance aggregates expected vs reconciled commission per agent.
type AgentBalance struct {
	AgentID    string
	Expected   int64
	Reconciled int64
	Balance    int64
}

// SummaryByAgent returns per-agent expected commission (base transactions),
// reconciled amount (ledger entries), and the outstanding balance.
func (r *TransactionRepo) SummaryByAgent(ctx context.Context, tn tenant.Context) ([]AgentBalance, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT agent_id,
	       SUM(CASE WHEN source_transaction_id IS NULL THEN commission ELSE 0 END) AS expected,
	       SUM(CASE WHEN source_transaction_id IS NOT NULL THEN paid ELSE 0 END) AS reconciled
	FROM transactions
	WHERE agency_id = ? AND agent_id IS NOT NULL
	GROUP BY agent_id
	ORDER BY agent_id ASC;
	`, tn.AgencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentBalance
	for rows.Next() {
		var ab AgentBalance
		if err := rows.Scan(&ab.AgentID, &ab.Expected, &ab.Reconciled); err != nil {
			return nil, err
		}
		ab.Balance = ab.Expected - ab.Reconciled
		out = append(out, ab)
	}
	return out, rows.Err()
}

// ImportActivity summarizes one committed batch's ledger entries.
type ImportActivity struct {
	BatchID       string
	StatementDate time.Time
	Entries       int
	PaidCents     int64
}

// RecentImports lists committed batches by most recent statement date.
func (r *TransactionRepo) RecentImports(ctx context.Context, tn tenant.Context, limit int) ([]ImportActivity, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT batch_id, MAX(statement_date), COUNT(*), SUM(paid)
	FROM transactions
	WHERE agency_id = ? AND source_transaction_id IS NOT NULL AND batch_id IS NOT NULL
	GROUP BY batch_id
	ORDER BY MAX(statement_date) DESC
	LIMIT ?;
	`, tn.AgencyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImportActivity
	for rows.Next() {
		var ia ImportActivity
		// MAX() loses the column's TIMESTAMP declaration, so the driver
		// hands the date back as text.
		var stamp string
		if err := rows.Scan(&ia.BatchID, &stamp, &ia.Entries, &ia.PaidCents); err != nil {
			return nil, err
		}
		if ia.StatementDate, err = parseTimestamp(stamp); err != nil {
			return nil, err
		}
		out = append(out, ia)
	}
	return out, rows.Err()
}

// timestampLayouts covers the formats go-sqlite3 writes time values in.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(rs rowScanner) (Transaction, error) {
	var t Transaction
	err := rs.Scan(&t.ID, &t.AgencyID, &t.AgentID, &t.CustomerName, &t.PolicyNumber, &t.EffectiveDate,
		&t.TransactionType, &t.CarrierName, &t.PolicyType, &t.PremiumCents, &t.CommissionCents, &t.PaidCents,
		&t.StatementDate, &t.ReconStatus, &t.BatchID, &t.SourceTxID, &t.SourceHash, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func collectTransactions(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
