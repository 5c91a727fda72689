package service

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kmarch/policyledger/internal/assign"
	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/ledger"
	"github.com/kmarch/policyledger/internal/match"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
)

// ReviewRow pairs a normalized statement row with everything the review
// surface needs: the match outcome, the agent resolution, the running
// balance of the matched transaction, and flags the operator can toggle
// before commit.
type ReviewRow struct {
	Row        statement.Row
	Match      match.Result
	Resolution assign.Resolution

	// CreateNew marks an unmatched row for materialization as a new base
	// transaction. Defaults to true for unmatched rows; the operator can
	// clear it to skip the row entirely.
	CreateNew bool

	// Duplicate is set when the row's source hash already exists in the
	// ledger, meaning an earlier import recorded this exact row.
	Duplicate bool

	// Balance holds the matched transaction's expected/reconciled state as
	// of the statement date, before this row is applied. Nil for unmatched
	// rows.
	Balance *ledger.Balance

	// DiscrepancyCents is the statement amount minus the outstanding
	// balance. Positive means the statement pays more than remains owed.
	DiscrepancyCents int64

	// Err records a per-row resolution failure, such as a matched
	// transaction referencing an inactive agent. A row with Err set blocks
	// commit until reassigned.
	Err error
}

// Materialized is the full set of records a committed batch writes.
type Materialized struct {
	Transactions  []repository.Transaction
	LedgerEntries []repository.Transaction
}

// Materializer turns reviewed rows into transactions and ledger entries.
// It performs no writes; the caller persists the result atomically.
type Materializer struct {
	CreateContinuity bool
	Now              func() time.Time
}

func (m *Materializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Materialize builds the records for a batch. Every row that will produce a
// ledger entry must carry a resolved agent; the first row without one aborts
// with UnassignedRowError and nothing is returned.
func (m *Materializer) Materialize(tn tenant.Context, batchID string, statementDate time.Time, rows []ReviewRow) (Materialized, error) {
	if err := tn.Validate(); err != nil {
		return Materialized{}, err
	}

	base := m.now()
	var out Materialized
	for i, row := range rows {
		bt, ok := m.baseFor(tn, batchID, base, row)
		if !ok {
			continue
		}
		if row.Resolution.NeedsManual() {
			return Materialized{}, &UnassignedRowError{RowIndex: row.Row.Index}
		}
		agentID := row.Resolution.AgentID
		bt.AgentID = &agentID

		if !row.Match.Matched() {
			out.Transactions = append(out.Transactions, bt)
			if cont, ok := m.continuityFor(bt, base); ok {
				out.Transactions = append(out.Transactions, cont)
			}
		}

		// Offset each row by a second so entry ids stay unique even when
		// two rows settle the same base transaction in one batch.
		ts := base.Add(time.Duration(i) * time.Second)
		out.LedgerEntries = append(out.LedgerEntries, ledgerEntry(bt, row, batchID, statementDate, ts))
	}
	return out, nil
}

// baseFor returns the base transaction a row settles against, creating one
// for rows flagged CreateNew. The second return is false when the row is
// skipped.
func (m *Materializer) baseFor(tn tenant.Context, batchID string, now time.Time, row ReviewRow) (repository.Transaction, bool) {
	if row.Match.Matched() {
		return *row.Match.Transaction, true
	}
	if !row.CreateNew {
		return repository.Transaction{}, false
	}

	t := repository.Transaction{
		ID:              shortID() + "-IMPORT-" + now.Format("20060102"),
		AgencyID:        tn.AgencyID,
		CustomerName:    row.Row.CustomerName,
		PolicyNumber:    row.Row.PolicyNumber,
		EffectiveDate:   row.Row.EffectiveDate,
		TransactionType: row.Row.TransactionType,
		PremiumCents:    row.Row.PremiumCents,
		// The statement amount stands in for expected commission until the
		// carrier's schedule is recorded against the policy.
		CommissionCents: row.Row.AmountCents,
		BatchID:         &batchID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if row.Row.CarrierName != "" {
		carrier := row.Row.CarrierName
		t.CarrierName = &carrier
	}
	if row.Row.PolicyType != "" {
		pt := row.Row.PolicyType
		t.PolicyType = &pt
	}
	return t, true
}

// continuityFor optionally emits a zero-amount NEW transaction alongside a
// created renewal or cancellation, so the policy has a base record for
// future statements to match.
func (m *Materializer) continuityFor(created repository.Transaction, now time.Time) (repository.Transaction, bool) {
	if !m.CreateContinuity {
		return repository.Transaction{}, false
	}
	switch strings.ToUpper(created.TransactionType) {
	case "RWL", "CAN":
	default:
		return repository.Transaction{}, false
	}

	cont := created
	cont.ID = shortID() + "-IMPORT-" + now.Format("20060102")
	cont.TransactionType = "NEW"
	cont.PremiumCents = 0
	cont.CommissionCents = 0
	return cont, true
}

// ledgerEntry derives a payment record from the base transaction it settles.
// Expected amounts stay on the base; the entry carries only what was paid.
func ledgerEntry(base repository.Transaction, row ReviewRow, batchID string, statementDate, ts time.Time) repository.Transaction {
	baseID := base.ID
	hash := row.Row.SourceHash
	stmt := statementDate

	e := base
	e.ID = base.ID + repository.LedgerSuffix + ts.Format("20060102150405")
	e.PremiumCents = 0
	e.CommissionCents = 0
	e.PaidCents = row.Row.AmountCents
	e.StatementDate = &stmt
	e.ReconStatus = "reconciled"
	e.BatchID = &batchID
	e.SourceTxID = &baseID
	e.SourceHash = &hash
	e.CreatedAt = ts
	e.UpdatedAt = ts

	agentID := row.Resolution.AgentID
	e.AgentID = &agentID
	return e
}

func shortID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
