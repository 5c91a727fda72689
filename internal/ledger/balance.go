// Package ledger reconstructs outstanding commission balances from base
// transactions and their statement ledger entries.
package ledger

import (
	"time"

	"github.com/kmarch/policyledger/internal/database/repository"
)

// DefaultWindowMonths bounds how far back ledger entries are aggregated.
// Balances are never computed over the unbounded history.
const DefaultWindowMonths = 18

// Balance is the outstanding position of one base transaction, in cents.
// Credit is the expected commission, debit the amount already reconciled.
type Balance struct {
	CreditCents  int64
	DebitCents   int64
	BalanceCents int64
}

// Compute derives the balance of a base transaction from the ledger entries
// that reference it. Entries with a statement date before the trailing
// window are ignored. Administrative transactions carrying no commission
// contribute no credit. Pure: calling it twice yields identical results.
func Compute(base repository.Transaction, entries []repository.Transaction, asOf time.Time, windowMonths int) Balance {
	if windowMonths <= 0 {
		windowMonths = DefaultWindowMonths
	}
	cutoff := asOf.AddDate(0, -windowMonths, 0)

	var b Balance
	b.CreditCents = base.CommissionCents

	for _, e := range entries {
		if e.SourceTxID == nil || *e.SourceTxID != base.ID {
			continue
		}
		if e.StatementDate == nil || e.StatementDate.Before(cutoff) || e.StatementDate.After(asOf) {
			continue
		}
		b.DebitCents += e.PaidCents
	}
	b.BalanceCents = b.CreditCents - b.DebitCents
	return b
}

// ComputeAll indexes a mixed pool (base transactions and ledger entries) and
// returns the balance for every base transaction, keyed by id.
func ComputeAll(pool []repository.Transaction, asOf time.Time, windowMonths int) map[string]Balance {
	entriesBySource := make(map[string][]repository.Transaction)
	for _, t := range pool {
		if t.SourceTxID != nil {
			entriesBySource[*t.SourceTxID] = append(entriesBySource[*t.SourceTxID], t)
		}
	}
	out := make(map[string]Balance)
	for _, t := range pool {
		if t.IsLedgerEntry() {
			continue
		}
		out[t.ID] = Compute(t, entriesBySource[t.ID], asOf, windowMonths)
	}
	return out
}
