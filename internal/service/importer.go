// Package service orchestrates statement imports end to end: normalize,
// match, attribute, review, and the atomic commit that writes the batch.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmarch/policyledger/internal/assign"
	"github.com/kmarch/policyledger/internal/database"
	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/ledger"
	"github.com/kmarch/policyledger/internal/match"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
)

// ImportService runs the statement reconciliation pipeline.
type ImportService struct {
	DB           *sql.DB
	Transactions *repository.TransactionRepo
	Agents       *repository.AgentRepo
	Batches      *repository.ImportBatchRepo

	MatchConfig      match.Config
	WindowMonths     int
	CreateContinuity bool

	Now func() time.Time
	Log zerolog.Logger
}

// PrepareRequest describes one statement to import.
type PrepareRequest struct {
	Tenant     tenant.Context
	Source     io.Reader
	SourceName string
	Mapping    statement.ColumnMapping
	// Headerless marks a file whose mapping is entirely positional.
	Headerless bool

	Mode            assign.Mode
	SelectedAgentID string

	// StatementDate defaults to the current time when zero.
	StatementDate time.Time
}

// Batch is a prepared import awaiting review. It lives in memory between
// Prepare and Commit; the database only tracks its status row, which also
// holds the agency's import lease.
type Batch struct {
	ID            string
	Tenant        tenant.Context
	Mode          assign.Mode
	StatementDate time.Time

	Rows         []ReviewRow
	ParseErrors  []statement.RowParseError
	FilteredRows int
	InFileDupes  int

	agents map[string]repository.Agent
	done   bool
}

// Summary reports what a finished batch did.
type Summary struct {
	BatchID       string
	Matched       int
	Created       int
	LedgerEntries int
	Unassigned    int
	SkippedRows   int
	FilteredRows  int
	DuplicateRows int
}

func (s *ImportService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return database.Now()
}

func (s *ImportService) windowMonths() int {
	if s.WindowMonths > 0 {
		return s.WindowMonths
	}
	return ledger.DefaultWindowMonths
}

// Prepare acquires the agency's import lease, normalizes the statement, and
// runs matching and attribution over every row. The returned batch is ready
// for review; nothing is written to the ledger yet.
func (s *ImportService) Prepare(ctx context.Context, req PrepareRequest) (*Batch, error) {
	if err := req.Tenant.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	stmtDate := req.StatementDate
	if stmtDate.IsZero() {
		stmtDate = now
	}

	b := &Batch{
		ID:            uuid.NewString(),
		Tenant:        req.Tenant,
		Mode:          req.Mode,
		StatementDate: stmtDate,
	}
	err := s.Batches.Create(ctx, repository.ImportBatch{
		ID:             b.ID,
		AgencyID:       req.Tenant.AgencyID,
		Status:         repository.BatchParsed,
		AssignmentMode: string(req.Mode),
		SourceFile:     req.SourceName,
	})
	if err != nil {
		return nil, err
	}

	batch, err := s.prepare(ctx, b, req, now)
	if err != nil {
		// Release the lease; a failed prepare leaves no review to resume.
		if ferr := s.Batches.Finish(ctx, b.ID, repository.BatchAborted, s.now()); ferr != nil {
			s.Log.Error().Err(ferr).Str("batch", b.ID).Msg("abort after failed prepare")
		}
		return nil, err
	}
	return batch, nil
}

func (s *ImportService) prepare(ctx context.Context, b *Batch, req PrepareRequest, now time.Time) (*Batch, error) {
	norm := statement.Normalizer{
		Mapping:    req.Mapping,
		AgencyID:   req.Tenant.AgencyID,
		SourceName: req.SourceName,
		HasHeader:  !req.Headerless,
	}
	parsed, err := norm.Parse(req.Source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.SourceName, err)
	}
	b.ParseErrors = parsed.Skipped
	b.FilteredRows = parsed.FilteredRows
	b.InFileDupes = parsed.Duplicates

	agents, err := s.Agents.Map(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}
	b.agents = agents

	since := now.AddDate(0, -s.windowMonths(), 0)
	pool, err := s.Transactions.ListForMatching(ctx, req.Tenant, since)
	if err != nil {
		return nil, err
	}
	balances := ledger.ComputeAll(pool, b.StatementDate, s.windowMonths())

	resolver := &assign.Resolver{
		Tenant:          req.Tenant,
		Mode:            req.Mode,
		SelectedAgentID: req.SelectedAgentID,
		Agents:          agents,
		History:         pool,
	}
	if req.Mode == assign.ModeAssignAll {
		// A bad selection fails every row, so reject it before matching.
		if err := resolver.Validate(req.SelectedAgentID); err != nil {
			return nil, err
		}
	}

	matcher := match.NewMatcher(s.MatchConfig)
	b.Rows = make([]ReviewRow, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		mr := matcher.MatchRow(req.Tenant, row, pool)
		rr := ReviewRow{Row: row, Match: mr, CreateNew: !mr.Matched()}
		if mr.Matched() {
			bal := balances[mr.Transaction.ID]
			rr.Balance = &bal
			rr.DiscrepancyCents = row.AmountCents - bal.BalanceCents
		}
		rr.Resolution, rr.Err = resolver.Resolve(row, mr.Transaction)
		b.Rows = append(b.Rows, rr)
	}

	if err := s.flagDuplicates(ctx, b); err != nil {
		return nil, err
	}
	if err := s.Batches.UpdateStatus(ctx, b.ID, repository.BatchMatched); err != nil {
		return nil, err
	}

	s.Log.Info().
		Str("batch", b.ID).
		Str("agency", req.Tenant.AgencyID).
		Int("rows", len(b.Rows)).
		Int("skipped", len(b.ParseErrors)).
		Int("filtered", b.FilteredRows).
		Int("unassigned", b.UnassignedCount()).
		Msg("statement prepared")
	return b, nil
}

// flagDuplicates marks rows whose source hash is already recorded in the
// ledger. Duplicates are surfaced, not blocked; re-importing the same
// statement is allowed and produces a second entry set.
func (s *ImportService) flagDuplicates(ctx context.Context, b *Batch) error {
	hashes := make([]string, 0, len(b.Rows))
	for _, r := range b.Rows {
		hashes = append(hashes, r.Row.SourceHash)
	}
	counts, err := s.Transactions.CountBySourceHash(ctx, b.Tenant, hashes)
	if err != nil {
		return err
	}
	for i := range b.Rows {
		b.Rows[i].Duplicate = counts[b.Rows[i].Row.SourceHash] > 0
	}
	return nil
}

// UnassignedCount reports how many rows would produce records but lack a
// resolved agent. Commit refuses the batch while this is nonzero.
func (b *Batch) UnassignedCount() int {
	n := 0
	for _, r := range b.Rows {
		if r.willWrite() && (r.Err != nil || r.Resolution.NeedsManual()) {
			n++
		}
	}
	return n
}

func (r ReviewRow) willWrite() bool {
	return r.Match.Matched() || r.CreateNew
}

// DuplicateCount reports rows already present in the ledger from an earlier
// import.
func (b *Batch) DuplicateCount() int {
	n := 0
	for _, r := range b.Rows {
		if r.Duplicate {
			n++
		}
	}
	return n
}

// Assign sets the agent for one row during review, clearing any resolution
// error from prepare. The agent must belong to the batch's agency and be
// active.
func (b *Batch) Assign(rowIndex int, agentID string) error {
	i, err := b.rowAt(rowIndex)
	if err != nil {
		return err
	}
	a, ok := b.agents[agentID]
	if !ok {
		return &assign.InvalidAssignmentError{AgentID: agentID, Reason: "not found in agency"}
	}
	if !a.IsActive {
		return &assign.InvalidAssignmentError{AgentID: agentID, Reason: "agent is inactive"}
	}
	b.Rows[i].Resolution = assign.Resolution{AgentID: agentID, Method: assign.MethodManual}
	b.Rows[i].Err = nil
	return nil
}

// SetCreate toggles whether an unmatched row materializes a new transaction.
func (b *Batch) SetCreate(rowIndex int, create bool) error {
	i, err := b.rowAt(rowIndex)
	if err != nil {
		return err
	}
	if b.Rows[i].Match.Matched() {
		return fmt.Errorf("row %d is matched and always settles its transaction", rowIndex)
	}
	b.Rows[i].CreateNew = create
	return nil
}

func (b *Batch) rowAt(rowIndex int) (int, error) {
	for i, r := range b.Rows {
		if r.Row.Index == rowIndex {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no row with index %d", rowIndex)
}

// Commit writes the batch in one transaction: created base transactions,
// then every ledger entry, then the batch's committed status. A batch with
// unassigned rows is rejected whole and nothing is written.
func (s *ImportService) Commit(ctx context.Context, b *Batch) (Summary, error) {
	if b.done {
		return Summary{}, ErrBatchFinished
	}
	for _, r := range b.Rows {
		if !r.willWrite() {
			continue
		}
		if r.Err != nil {
			return Summary{}, fmt.Errorf("row %d: %w", r.Row.Index, r.Err)
		}
		if r.Resolution.NeedsManual() {
			return Summary{}, &UnassignedRowError{RowIndex: r.Row.Index}
		}
	}
	if err := s.Batches.UpdateStatus(ctx, b.ID, repository.BatchReviewed); err != nil {
		return Summary{}, err
	}

	m := &Materializer{CreateContinuity: s.CreateContinuity, Now: s.Now}
	rows := make([]ReviewRow, 0, len(b.Rows))
	for _, r := range b.Rows {
		if r.willWrite() {
			rows = append(rows, r)
		}
	}
	mat, err := m.Materialize(b.Tenant, b.ID, b.StatementDate, rows)
	if err != nil {
		return Summary{}, err
	}

	err = database.WithTx(s.DB, func(tx *sql.Tx) error {
		for _, t := range mat.Transactions {
			if err := s.Transactions.InsertTx(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, e := range mat.LedgerEntries {
			if err := s.Transactions.InsertTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return s.Batches.FinishTx(ctx, tx, b.ID, repository.BatchCommitted, s.now())
	})
	if err != nil {
		if ferr := s.Batches.Finish(ctx, b.ID, repository.BatchAborted, s.now()); ferr != nil {
			s.Log.Error().Err(ferr).Str("batch", b.ID).Msg("abort after failed commit")
		}
		return Summary{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	b.done = true

	sum := s.summarize(b, mat)
	s.Log.Info().
		Str("batch", b.ID).
		Int("matched", sum.Matched).
		Int("created", sum.Created).
		Int("entries", sum.LedgerEntries).
		Int("duplicates", sum.DuplicateRows).
		Msg("batch committed")
	return sum, nil
}

// Abort discards the batch and releases the agency's import lease.
func (s *ImportService) Abort(ctx context.Context, b *Batch) error {
	if b.done {
		return ErrBatchFinished
	}
	if err := s.Batches.Finish(ctx, b.ID, repository.BatchAborted, s.now()); err != nil {
		return err
	}
	b.done = true
	return nil
}

// Run prepares and commits in one call for imports that need no manual
// review. A batch left with unassigned rows is aborted and reported.
func (s *ImportService) Run(ctx context.Context, req PrepareRequest) (Summary, error) {
	b, err := s.Prepare(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	if n := b.UnassignedCount(); n > 0 {
		first := -1
		for _, r := range b.Rows {
			if r.willWrite() && (r.Err != nil || r.Resolution.NeedsManual()) {
				first = r.Row.Index
				break
			}
		}
		if aerr := s.Abort(ctx, b); aerr != nil {
			s.Log.Error().Err(aerr).Str("batch", b.ID).Msg("abort unreviewable batch")
		}
		return Summary{BatchID: b.ID, Unassigned: n}, &UnassignedRowError{RowIndex: first}
	}
	return s.Commit(ctx, b)
}

func (s *ImportService) summarize(b *Batch, mat Materialized) Summary {
	sum := Summary{
		BatchID:       b.ID,
		Created:       len(mat.Transactions),
		LedgerEntries: len(mat.LedgerEntries),
		SkippedRows:   len(b.ParseErrors),
		FilteredRows:  b.FilteredRows,
		DuplicateRows: b.DuplicateCount(),
	}
	for _, r := range b.Rows {
		if r.Match.Matched() {
			sum.Matched++
		}
	}
	return sum
}
