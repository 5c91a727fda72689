package match

import (
	"math"
	"sort"
	"time"

	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
)

// Match types for the two non-fuzzy outcomes. Customer-driven matches report
// "<strategy>+policy" or "<strategy>+policy+amount".
const (
	TypePolicyDate = "policy+date"
	TypeUnmatched  = "unmatched"
)

// Config holds matcher thresholds.
type Config struct {
	// MinScore is the candidate floor for any customer-name match.
	MinScore int
	// StrongScore is the candidate bar for a customer+policy match without
	// amount corroboration.
	StrongScore int
	// AmountTolerancePct admits weaker name matches when the statement
	// amount is within this percentage of the expected commission.
	AmountTolerancePct float64
	// TopCandidates is how many candidates an unmatched result carries for
	// manual review.
	TopCandidates int
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{MinScore: 70, StrongScore: 85, AmountTolerancePct: 5.0, TopCandidates: 5}
}

// Result is the outcome of matching one statement row. Transaction is nil
// for unmatched rows, which instead carry review candidates.
type Result struct {
	RowIndex    int
	Transaction *repository.Transaction
	Confidence  int
	MatchType   string
	Candidates  []Candidate
}

// Matched reports whether the row resolved to an existing transaction.
func (r Result) Matched() bool { return r.Transaction != nil }

// Matcher applies the tiered matching policy:
// policy+date (100) > customer+policy (95) > customer+policy+amount (90) >
// unmatched. It is a pure function over its pool; an empty pool simply
// yields unmatched rows.
type Matcher struct {
	cfg Config
}

func NewMatcher(cfg Config) *Matcher {
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultConfig().MinScore
	}
	if cfg.StrongScore <= 0 {
		cfg.StrongScore = DefaultConfig().StrongScore
	}
	if cfg.AmountTolerancePct <= 0 {
		cfg.AmountTolerancePct = DefaultConfig().AmountTolerancePct
	}
	if cfg.TopCandidates <= 0 {
		cfg.TopCandidates = DefaultConfig().TopCandidates
	}
	return &Matcher{cfg: cfg}
}

// MatchRow matches one row against the agency's base transactions. Ledger
// entries and transactions outside the tenant's agency are never match
// targets.
func (m *Matcher) MatchRow(tn tenant.Context, row statement.Row, pool []repository.Transaction) Result {
	res := Result{RowIndex: row.Index, MatchType: TypeUnmatched}

	bases := eligible(tn, pool)
	if len(bases) == 0 {
		return res
	}

	// Tier 1: policy number + effective date is unambiguous.
	if row.PolicyNumber != "" {
		for i := range bases {
			t := bases[i]
			if t.PolicyNumber == row.PolicyNumber && sameDay(t.EffectiveDate, row.EffectiveDate) {
				res.Transaction = t
				res.Confidence = 100
				res.MatchType = TypePolicyDate
				return res
			}
		}
	}

	names := make([]string, 0, len(bases))
	byName := make(map[string][]*repository.Transaction, len(bases))
	for i := range bases {
		key := normalize(bases[i].CustomerName)
		names = append(names, bases[i].CustomerName)
		byName[key] = append(byName[key], bases[i])
	}
	candidates := FindCandidates(row.CustomerName, names, m.cfg.MinScore)

	// Tier 2: a strong customer name plus the policy number carries on its
	// own. Tier 3: a weaker name is accepted only when the statement amount
	// corroborates it.
	var amountBacked *Result
	for _, cand := range candidates {
		for _, t := range byName[normalize(cand.Name)] {
			if row.PolicyNumber == "" || t.PolicyNumber != row.PolicyNumber {
				continue
			}
			if cand.Score >= m.cfg.StrongScore {
				res.Transaction = t
				res.Confidence = 95
				res.MatchType = cand.Strategy + "+policy"
				return res
			}
			if amountBacked == nil && withinTolerance(row.AmountCents, t.CommissionCents, m.cfg.AmountTolerancePct) {
				amountBacked = &Result{
					RowIndex:    row.Index,
					Transaction: t,
					Confidence:  90,
					MatchType:   cand.Strategy + "+policy+amount",
				}
			}
		}
	}
	if amountBacked != nil {
		return *amountBacked
	}

	// Unmatched: expose the top candidates for manual review.
	if len(candidates) > m.cfg.TopCandidates {
		candidates = candidates[:m.cfg.TopCandidates]
	}
	res.Candidates = candidates
	return res
}

// eligible filters the pool down to the tenant's base transactions and sorts
// it deterministically so results do not depend on pool order.
func eligible(tn tenant.Context, pool []repository.Transaction) []*repository.Transaction {
	out := make([]*repository.Transaction, 0, len(pool))
	for i := range pool {
		t := &pool[i]
		if t.AgencyID != tn.AgencyID || t.IsLedgerEntry() {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(time.DateOnly) == b.UTC().Format(time.DateOnly)
}

func withinTolerance(amount, expected int64, pct float64) bool {
	if expected == 0 {
		return false
	}
	diff := math.Abs(float64(amount - expected))
	return diff/math.Abs(float64(expected))*100 <= pct
}
