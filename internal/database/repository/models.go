package repository

import (
	"strings"
	"time"
)

// Agency represents the tenant boundary. All matching and attribution are
// scoped to one agency.
type Agency struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// Agent represents a producer within an agency.
type Agent struct {
	ID        string
	AgencyID  string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// LedgerSuffix marks reconciliation ledger entry ids.
const LedgerSuffix = "-STMT-"

// Transaction represents a transaction row: either a base policy transaction
// (new business, renewal, cancellation) or a statement ledger entry
// reconciling one. Amounts are integer cents.
type Transaction struct {
	ID              string
	AgencyID        string
	AgentID         *string
	CustomerName    string
	PolicyNumber    string
	EffectiveDate   time.Time
	TransactionType string
	CarrierName     *string
	PolicyType      *string
	PremiumCents    int64
	CommissionCents int64
	PaidCents       int64
	StatementDate   *time.Time
	ReconStatus     string
	BatchID         *string
	SourceTxID      *string
	SourceHash      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsLedgerEntry reports whether the row is a statement reconciliation entry
// rather than a base transaction.
func (t Transaction) IsLedgerEntry() bool {
	return t.SourceTxID != nil || strings.Contains(t.ID, LedgerSuffix)
}

// ImportBatch represents one statement import run.
type ImportBatch struct {
	ID             string
	AgencyID       string
	Status         string
	AssignmentMode string
	SourceFile     string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Batch statuses.
const (
	BatchParsed    = "parsed"
	BatchMatched   = "matched"
	BatchReviewed  = "reviewed"
	BatchCommitted = "committed"
	BatchAborted   = "aborted"
)
