package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/ledger"
	"github.com/kmarch/policyledger/internal/tenant"
)

// ReportService answers reconciliation questions after the fact: how much
// each agent is owed, what the recent imports did, and where a single
// transaction stands.
type ReportService struct {
	Transactions *repository.TransactionRepo
	WindowMonths int
}

// AgencySummary rolls up per-agent balances for one agency.
type AgencySummary struct {
	TotalExpected   int64
	TotalReconciled int64
	TotalBalance    int64
	ByAgent         []repository.AgentBalance
}

func (s *ReportService) windowMonths() int {
	if s.WindowMonths > 0 {
		return s.WindowMonths
	}
	return ledger.DefaultWindowMonths
}

// AgencySummary reports expected vs reconciled commission per agent across
// the whole ledger, plus agency totals.
func (s *ReportService) AgencySummary(ctx context.Context, tn tenant.Context) (AgencySummary, error) {
	byAgent, err := s.Transactions.SummaryByAgent(ctx, tn)
	if err != nil {
		return AgencySummary{}, err
	}
	out := AgencySummary{ByAgent: byAgent}
	for _, ab := range byAgent {
		out.TotalExpected += ab.Expected
		out.TotalReconciled += ab.Reconciled
		out.TotalBalance += ab.Balance
	}
	return out, nil
}

// RecentImports lists the latest committed batches with entry counts and
// paid totals.
func (s *ReportService) RecentImports(ctx context.Context, tn tenant.Context, limit int) ([]repository.ImportActivity, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.Transactions.RecentImports(ctx, tn, limit)
}

// TransactionBalance computes one base transaction's expected, reconciled,
// and outstanding amounts as of a date, restricted to the ledger window.
func (s *ReportService) TransactionBalance(ctx context.Context, tn tenant.Context, txID string, asOf time.Time) (ledger.Balance, error) {
	base, err := s.Transactions.Get(ctx, tn, txID)
	if err != nil {
		return ledger.Balance{}, err
	}
	if base == nil {
		return ledger.Balance{}, fmt.Errorf("transaction %s not found", txID)
	}
	if base.IsLedgerEntry() {
		return ledger.Balance{}, fmt.Errorf("%s is a ledger entry, not a base transaction", txID)
	}
	since := asOf.AddDate(0, -s.windowMonths(), 0)
	entries, err := s.Transactions.LedgerEntriesFor(ctx, tn, txID, since)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Compute(*base, entries, asOf, s.windowMonths()), nil
}
