package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kmarch/policyledger/internal/assign"
	"github.com/kmarch/policyledger/internal/config"
	"github.com/kmarch/policyledger/internal/database"
	"github.com/kmarch/policyledger/internal/database/repository"
	"github.com/kmarch/policyledger/internal/logger"
	"github.com/kmarch/policyledger/internal/match"
	"github.com/kmarch/policyledger/internal/service"
	"github.com/kmarch/policyledger/internal/statement"
	"github.com/kmarch/policyledger/internal/tenant"
	"github.com/kmarch/policyledger/internal/testdata"
)

func main() {
	var (
		importFile = flag.String("import", "", "statement CSV to import")
		agencyID   = flag.String("agency", "", "agency id to operate on")
		mode       = flag.String("mode", "auto_assign", "assignment mode: assign_all, auto_assign, manual")
		agentID    = flag.String("agent", "", "agent id for assign_all mode")
		mapSpec    = flag.String("map", "", "column mapping, e.g. customer=Insured Name,policy=#2,date=Eff Date,amount=Amt Paid")
		noHeader   = flag.Bool("no-header", false, "statement file has no header row (mapping must be positional)")
		stmtDate   = flag.String("statement-date", "", "statement date (YYYY-MM-DD), default today")
		seed       = flag.Bool("seed", false, "seed a demo agency and exit")
		summary    = flag.Bool("summary", false, "print per-agent reconciliation balances")
		recent     = flag.Int("recent", 0, "print the N most recent imports")
	)
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog := logger.New(cfg.Logging.Level)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("mkdir db dir: %v", err)
	}
	if err := database.RunMigrations(cfg.Database.Path, "internal/database/migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	agencies := repository.NewAgencyRepo(db)
	agents := repository.NewAgentRepo(db)
	txs := repository.NewTransactionRepo(db)
	batches := repository.NewImportBatchRepo(db)

	if *seed {
		err := testdata.Seed(ctx, testdata.Repos{Agencies: agencies, Agents: agents, Transactions: txs})
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		fmt.Printf("seeded agency %s\n", testdata.DemoAgencyID)
		return
	}

	if *agencyID == "" {
		log.Fatal("an -agency id is required")
	}
	tn := tenant.Context{AgencyID: *agencyID}
	reports := &service.ReportService{Transactions: txs, WindowMonths: cfg.Import.WindowMonths}

	switch {
	case *importFile != "":
		importer := &service.ImportService{
			DB:           db,
			Transactions: txs,
			Agents:       agents,
			Batches:      batches,
			MatchConfig: match.Config{
				MinScore:           cfg.Matching.MinScore,
				StrongScore:        cfg.Matching.StrongScore,
				AmountTolerancePct: cfg.Matching.AmountTolerancePct,
				TopCandidates:      cfg.Matching.TopCandidates,
			},
			WindowMonths:     cfg.Import.WindowMonths,
			CreateContinuity: cfg.Import.CreateContinuity,
			Log:              zlog,
		}
		if err := runImport(ctx, importer, tn, *importFile, *mapSpec, *mode, *agentID, *stmtDate, *noHeader); err != nil {
			log.Fatalf("import: %v", err)
		}
	case *summary:
		printSummary(ctx, reports, tn)
	case *recent > 0:
		printRecent(ctx, reports, tn, *recent)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runImport(ctx context.Context, importer *service.ImportService, tn tenant.Context, file, mapSpec, modeStr, agentID, stmtDate string, noHeader bool) error {
	m, err := assign.ParseMode(modeStr)
	if err != nil {
		return err
	}
	mapping := defaultMapping()
	if mapSpec != "" {
		mapping, err = statement.ParseMappingSpec(mapSpec)
		if err != nil {
			return err
		}
	}
	var date time.Time
	if stmtDate != "" {
		date, err = time.Parse("2006-01-02", stmtDate)
		if err != nil {
			return fmt.Errorf("statement date: %w", err)
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, err := importer.Run(ctx, service.PrepareRequest{
		Tenant:          tn,
		Source:          f,
		SourceName:      filepath.Base(file),
		Mapping:         mapping,
		Headerless:      noHeader,
		Mode:            m,
		SelectedAgentID: agentID,
		StatementDate:   date,
	})
	var unassigned *service.UnassignedRowError
	if errors.As(err, &unassigned) {
		return fmt.Errorf("%d rows need manual assignment (first at row %d); re-run with -mode assign_all -agent <id>, or assign agents to the matched policies first",
			sum.Unassigned, unassigned.RowIndex)
	}
	if err != nil {
		return err
	}

	fmt.Printf("batch %s committed\n", sum.BatchID)
	fmt.Printf("  matched:        %d\n", sum.Matched)
	fmt.Printf("  created:        %d\n", sum.Created)
	fmt.Printf("  ledger entries: %d\n", sum.LedgerEntries)
	if sum.SkippedRows > 0 {
		fmt.Printf("  skipped rows:   %d (malformed)\n", sum.SkippedRows)
	}
	if sum.FilteredRows > 0 {
		fmt.Printf("  filtered rows:  %d (totals/blank)\n", sum.FilteredRows)
	}
	if sum.DuplicateRows > 0 {
		fmt.Printf("  duplicates:     %d (already recorded by an earlier import)\n", sum.DuplicateRows)
	}
	return nil
}

// defaultMapping matches the common carrier export header names.
func defaultMapping() statement.ColumnMapping {
	return statement.ColumnMapping{
		Customer:        statement.ByName("Customer"),
		PolicyNumber:    statement.ByName("Policy Number"),
		EffectiveDate:   statement.ByName("Effective Date"),
		Amount:          statement.ByName("Amount"),
		Premium:         statement.ByName("Premium"),
		CarrierName:     statement.ByName("Carrier"),
		TransactionType: statement.ByName("Transaction Type"),
		PolicyType:      statement.ByName("Policy Type"),
	}
}

func printSummary(ctx context.Context, reports *service.ReportService, tn tenant.Context) {
	sum, err := reports.AgencySummary(ctx, tn)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}
	fmt.Printf("%-12s %14s %14s %14s\n", "AGENT", "EXPECTED", "RECONCILED", "BALANCE")
	for _, ab := range sum.ByAgent {
		fmt.Printf("%-12s %14s %14s %14s\n", ab.AgentID, dollars(ab.Expected), dollars(ab.Reconciled), dollars(ab.Balance))
	}
	fmt.Printf("%-12s %14s %14s %14s\n", "TOTAL", dollars(sum.TotalExpected), dollars(sum.TotalReconciled), dollars(sum.TotalBalance))
}

func printRecent(ctx context.Context, reports *service.ReportService, tn tenant.Context, limit int) {
	imports, err := reports.RecentImports(ctx, tn, limit)
	if err != nil {
		log.Fatalf("recent: %v", err)
	}
	for _, ia := range imports {
		fmt.Printf("%s  %s  %4d entries  %s paid\n",
			ia.StatementDate.Format("2006-01-02"), ia.BatchID, ia.Entries, dollars(ia.PaidCents))
	}
}

func dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
