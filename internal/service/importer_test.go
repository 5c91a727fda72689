package service

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmarch/policyledger/internal/assign"
	"github.com/kmarch/policyledger/internal/database"
	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/logger"
	"github.com/kmarch/policyledger/internal/match"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
)

type fixture struct {
	db     *sql.DB
	svc    *ImportService
	report *ReportService
	txs    *repository.TransactionRepo
	tn     tenant.Context
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, database.RunMigrations(dbPath, "../database/migrations"))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, repository.NewAgencyRepo(db).Upsert(ctx, repository.Agency{
		ID: "ag-1", OwnerID: "owner-1", Name: "Harbor Insurance Group",
	}))
	agents := repository.NewAgentRepo(db)
	require.NoError(t, agents.Upsert(ctx, repository.Agent{ID: "A1", AgencyID: "ag-1", Name: "Dana Reyes", IsActive: true}))
	require.NoError(t, agents.Upsert(ctx, repository.Agent{ID: "A2", AgencyID: "ag-1", Name: "Sam Ortiz", IsActive: true}))
	require.NoError(t, agents.Upsert(ctx, repository.Agent{ID: "A3", AgencyID: "ag-1", Name: "Lee Tran", IsActive: false}))

	txs := repository.NewTransactionRepo(db)
	f := &fixture{
		db:     db,
		report: &ReportService{Transactions: txs},
		txs:    txs,
		tn:     tenant.Context{AgencyID: "ag-1"},
		now:    time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
	}
	f.svc = &ImportService{
		DB:           db,
		Transactions: txs,
		Agents:       agents,
		Batches:      repository.NewImportBatchRepo(db),
		MatchConfig:  match.DefaultConfig(),
		Now:          func() time.Time { return f.now },
		Log:          logger.NewWithWriter(io.Discard, "debug"),
	}
	return f
}

func (f *fixture) seedTransaction(t *testing.T, id, agentID, customer, policy string, effective time.Time, commissionCents int64) {
	t.Helper()
	now := database.Now()
	tx := repository.Transaction{
		ID:              id,
		AgencyID:        f.tn.AgencyID,
		CustomerName:    customer,
		PolicyNumber:    policy,
		EffectiveDate:   effective,
		TransactionType: "NEW",
		CommissionCents: commissionCents,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if agentID != "" {
		tx.AgentID = &agentID
	}
	require.NoError(t, f.txs.Insert(context.Background(), tx))
}

func defaultMapping() statement.ColumnMapping {
	return statement.ColumnMapping{
		Customer:      statement.ByName("Customer"),
		PolicyNumber:  statement.ByName("Policy Number"),
		EffectiveDate: statement.ByName("Effective Date"),
		Amount:        statement.ByName("Amount"),
	}
}

func (f *fixture) request(csv string, mode assign.Mode) PrepareRequest {
	return PrepareRequest{
		Tenant:        f.tn,
		Source:        strings.NewReader(csv),
		SourceName:    "march.csv",
		Mapping:       defaultMapping(),
		Mode:          mode,
		StatementDate: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) allTransactions(t *testing.T) []repository.Transaction {
	t.Helper()
	all, err := f.txs.ListForMatching(context.Background(), f.tn, time.Time{})
	require.NoError(t, err)
	return all
}

const header = "Customer,Policy Number,Effective Date,Amount\n"

func TestRunMatchedRowSettlesExistingTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	effective := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-100", "A1", "John Smith", "P-100", effective, 25000)

	csv := header + "John Smith,P-100,2026-03-15,$250.00\n"
	sum, err := f.svc.Run(context.Background(), f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)
	require.Equal(t, 1, sum.Matched)
	require.Equal(t, 0, sum.Created)
	require.Equal(t, 1, sum.LedgerEntries)

	entries, err := f.txs.LedgerEntriesFor(context.Background(), f.tn, "TX-100", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, int64(25000), e.PaidCents)
	require.Equal(t, int64(0), e.CommissionCents)
	require.Equal(t, "reconciled", e.ReconStatus)
	require.NotNil(t, e.AgentID)
	require.Equal(t, "A1", *e.AgentID)
	require.Contains(t, e.ID, "TX-100-STMT-")
	require.NotNil(t, e.SourceHash)

	// No second base transaction was created.
	bases := 0
	for _, tx := range f.allTransactions(t) {
		if !tx.IsLedgerEntry() {
			bases++
		}
	}
	require.Equal(t, 1, bases)
}

func TestRunAssignAllCreatesNewTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"
	req := f.request(csv, assign.ModeAssignAll)
	req.SelectedAgentID = "A2"
	sum, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Matched)
	require.Equal(t, 1, sum.Created)
	require.Equal(t, 1, sum.LedgerEntries)

	all := f.allTransactions(t)
	require.Len(t, all, 2)
	var base, entry *repository.Transaction
	for i := range all {
		if all[i].IsLedgerEntry() {
			entry = &all[i]
		} else {
			base = &all[i]
		}
	}
	require.NotNil(t, base)
	require.NotNil(t, entry)
	require.Contains(t, base.ID, "-IMPORT-")
	require.Equal(t, "Acme Widgets LLC", base.CustomerName)
	require.Equal(t, int64(12050), base.CommissionCents)
	require.Equal(t, "A2", *base.AgentID)
	require.Equal(t, "A2", *entry.AgentID)
	require.Equal(t, base.ID, *entry.SourceTxID)
	require.Equal(t, int64(12050), entry.PaidCents)
}

func TestRunAssignAllRejectsBadSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	for _, agent := range []string{"A3", "ghost", ""} {
		req := f.request(csv, assign.ModeAssignAll)
		req.Source = strings.NewReader(csv)
		req.SelectedAgentID = agent
		_, err := f.svc.Run(context.Background(), req)
		var iae *assign.InvalidAssignmentError
		require.ErrorAs(t, err, &iae, "agent %q", agent)
	}
	require.Empty(t, f.allTransactions(t))
}

func TestReimportIsFlaggedAndCreatesSecondEntrySet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	effective := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-100", "A1", "John Smith", "P-100", effective, 25000)
	csv := header + "John Smith,P-100,2026-03-15,$250.00\n"

	first, err := f.svc.Run(context.Background(), f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)
	require.Equal(t, 0, first.DuplicateRows)

	// A later import of the same statement. Permitted, but flagged.
	f.now = f.now.Add(time.Hour)
	second, err := f.svc.Run(context.Background(), f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)
	require.Equal(t, 1, second.DuplicateRows)
	require.Equal(t, 1, second.LedgerEntries)

	entries, err := f.txs.LedgerEntriesFor(context.Background(), f.tn, "TX-100", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestManualModeBlocksCommitUntilAssigned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)
	require.Equal(t, 1, b.UnassignedCount())

	_, err = f.svc.Commit(ctx, b)
	var unassigned *UnassignedRowError
	require.ErrorAs(t, err, &unassigned)
	require.Empty(t, f.allTransactions(t))

	require.NoError(t, b.Assign(b.Rows[0].Row.Index, "A2"))
	require.Equal(t, 0, b.UnassignedCount())
	sum, err := f.svc.Commit(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 1, sum.LedgerEntries)
	require.Equal(t, assign.MethodManual, b.Rows[0].Resolution.Method)
}

func TestAssignRejectsInactiveAndForeignAgents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.svc.Abort(context.Background(), b) })

	var iae *assign.InvalidAssignmentError
	require.ErrorAs(t, b.Assign(b.Rows[0].Row.Index, "A3"), &iae)
	require.ErrorAs(t, b.Assign(b.Rows[0].Row.Index, "other-agency-agent"), &iae)
}

func TestSkippedUnmatchedRowWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)
	require.NoError(t, b.SetCreate(b.Rows[0].Row.Index, false))
	require.Equal(t, 0, b.UnassignedCount())

	sum, err := f.svc.Commit(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Created)
	require.Equal(t, 0, sum.LedgerEntries)
	require.Empty(t, f.allTransactions(t))
}

func TestImportLeaseIsExclusivePerAgency(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)

	_, err = f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.ErrorIs(t, err, repository.ErrImportInProgress)

	// Aborting releases the lease.
	require.NoError(t, f.svc.Abort(ctx, b))
	b2, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)
	require.NoError(t, f.svc.Abort(ctx, b2))
}

func TestPrepareFailureReleasesLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Missing required column fails prepare.
	bad := "Customer,Effective Date,Amount\nJohn Smith,2026-03-15,$1.00\n"
	_, err := f.svc.Prepare(ctx, f.request(bad, assign.ModeManual))
	require.Error(t, err)

	csv := header + "Acme Widgets LLC,P-900,2026-02-01,$120.50\n"
	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeManual))
	require.NoError(t, err)
	require.NoError(t, f.svc.Abort(ctx, b))
}

func TestMalformedRowsAreReportedNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	csv := header +
		"John Smith,P-100,not-a-date,$250.00\n" +
		"Grand Total,,, $250.00\n" +
		"Acme Widgets LLC,P-900,2026-02-01,$120.50\n"

	req := f.request(csv, assign.ModeAssignAll)
	req.SelectedAgentID = "A1"
	sum, err := f.svc.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, sum.SkippedRows)
	require.Equal(t, 1, sum.FilteredRows)
	require.Equal(t, 1, sum.LedgerEntries)
}

func TestAutoAssignFallsBackToCustomerHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	effective := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-200", "A2", "Rivera Holdings", "P-200", effective, 10000)
	f.seedTransaction(t, "TX-201", "A2", "Rivera Holdings", "P-201", effective, 10000)

	// New policy for a known customer: no match, history credits A2.
	csv := header + "Rivera Holdings,P-777,2026-03-01,$55.00\n"
	b, err := f.svc.Prepare(context.Background(), f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)
	require.False(t, b.Rows[0].Match.Matched())
	require.Equal(t, "A2", b.Rows[0].Resolution.AgentID)
	require.Equal(t, assign.MethodAutoAssigned, b.Rows[0].Resolution.Method)

	sum, err := f.svc.Commit(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Created)
}

func TestMatchedRowCarriesBalanceAndDiscrepancy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	effective := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-100", "A1", "John Smith", "P-100", effective, 30000)

	csv := header + "John Smith,P-100,2026-03-15,$250.00\n"
	b, err := f.svc.Prepare(context.Background(), f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.svc.Abort(context.Background(), b) })

	row := b.Rows[0]
	require.True(t, row.Match.Matched())
	require.Equal(t, 100, row.Match.Confidence)
	require.Equal(t, match.TypePolicyDate, row.Match.MatchType)
	require.NotNil(t, row.Balance)
	require.Equal(t, int64(30000), row.Balance.BalanceCents)
	require.Equal(t, int64(-5000), row.DiscrepancyCents)
}

func TestReportsAfterCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	effective := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-100", "A1", "John Smith", "P-100", effective, 30000)

	csv := header + "John Smith,P-100,2026-03-15,$250.00\n"
	sum, err := f.svc.Run(ctx, f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)

	agency, err := f.report.AgencySummary(ctx, f.tn)
	require.NoError(t, err)
	require.Equal(t, int64(30000), agency.TotalExpected)
	require.Equal(t, int64(25000), agency.TotalReconciled)
	require.Equal(t, int64(5000), agency.TotalBalance)
	require.Len(t, agency.ByAgent, 1)
	require.Equal(t, "A1", agency.ByAgent[0].AgentID)

	recent, err := f.report.RecentImports(ctx, f.tn, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, sum.BatchID, recent[0].BatchID)
	require.Equal(t, 1, recent[0].Entries)
	require.Equal(t, int64(25000), recent[0].PaidCents)

	bal, err := f.report.TransactionBalance(ctx, f.tn, "TX-100", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, int64(30000), bal.CreditCents)
	require.Equal(t, int64(25000), bal.DebitCents)
	require.Equal(t, int64(5000), bal.BalanceCents)
}

func TestTransactionBalanceUnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.report.TransactionBalance(context.Background(), f.tn, "no-such-tx", f.now)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestCommitIsAtomic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	effective := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.seedTransaction(t, "TX-100", "A1", "John Smith", "P-100", effective, 25000)

	csv := header + "John Smith,P-100,2026-03-15,$250.00\n"
	b, err := f.svc.Prepare(ctx, f.request(csv, assign.ModeAutoAssign))
	require.NoError(t, err)

	// Pre-insert the entry the commit will build, so its primary key
	// collides. The clock is fixed, so both builds produce the same id.
	m := &Materializer{Now: f.svc.Now}
	mat, err := m.Materialize(b.Tenant, b.ID, b.StatementDate, b.Rows)
	require.NoError(t, err)
	require.NoError(t, f.txs.Insert(ctx, mat.LedgerEntries[0]))

	_, err = f.svc.Commit(ctx, b)
	require.ErrorIs(t, err, ErrWriteFailed)

	// The pre-inserted entry is the only one; the failed batch wrote nothing.
	entries, err := f.txs.LedgerEntriesFor(ctx, f.tn, "TX-100", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	batch, err := f.svc.Batches.Get(ctx, f.tn, b.ID)
	require.NoError(t, err)
	require.Equal(t, repository.BatchAborted, batch.Status)
}
