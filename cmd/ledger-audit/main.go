// ledger-audit compares broker holdings with the local ledger without
// changing either. It reports what the next reconciliation pass would touch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/config"
	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/reconcile"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// Finding is one disagreement between the ledger and the broker.
type Finding struct {
	CI        string `json:"ci"`
	Kind      string `json:"kind"`
	LocalQty  int    `json:"local_qty"`
	BrokerQty int    `json:"broker_qty"`
	Status    string `json:"status,omitempty"`
}

// Report is the audit result.
type Report struct {
	LedgerPositions int       `json:"ledger_positions"`
	BrokerPositions int       `json:"broker_positions"`
	Skipped         []string  `json:"skipped,omitempty"`
	Findings        []Finding `json:"findings"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	contract.Symbols.Set(cfg.Symbols)

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Broker: %s (sandbox: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Printf("Account ID: %s\n", maskAccountID(cfg.Broker.AccountID))
		fmt.Printf("Ledger: %s\n\n", cfg.Storage.Backend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	positions, err := loadLedger(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to load ledger: %v", err)
	}

	b, err := newBroker(cfg)
	if err != nil {
		log.Fatalf("Failed to create broker: %v", err)
	}
	holdings, err := b.GetPositionsCtx(ctx)
	if err != nil {
		log.Fatalf("Failed to get broker positions: %v", err)
	}

	snapshot, skipped := reconcile.FromHoldings(holdings)
	report := compare(positions, snapshot)
	report.Skipped = skipped

	if *jsonOutput {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}
	printReport(report)
}

func loadLedger(ctx context.Context, cfg *config.Config, logger *logrus.Logger) ([]models.Position, error) {
	var p storage.Persister
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		p = storage.NewPostgresPersister(pool)
	default:
		jp, err := storage.NewJSONPersister(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		p = jp
	}
	store := storage.NewStore(p, logger)
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	return store.List(), nil
}

func newBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Provider {
	case "tradier":
		return broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading(), cfg.Broker.APIEndpoint).
			WithTimeout(cfg.BrokerTimeout()), nil
	case "alpaca":
		quotes := broker.NewTradierAPI(cfg.Broker.QuotesKey, "", cfg.IsPaperTrading())
		return broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.APIEndpoint, quotes), nil
	default:
		return nil, fmt.Errorf("provider %q has no remote account to audit", cfg.Broker.Provider)
	}
}

// compare classifies every CI seen on either side. Closed ledger records
// only count when the broker still holds the contract.
func compare(positions []models.Position, snapshot []reconcile.BrokerPosition) *Report {
	report := &Report{BrokerPositions: len(snapshot), Findings: []Finding{}}
	remote := make(map[string]reconcile.BrokerPosition, len(snapshot))
	for _, bp := range snapshot {
		remote[bp.CI] = bp
	}

	seen := make(map[string]bool)
	for _, p := range positions {
		bp, atBroker := remote[p.CI]
		active := p.IsActive() || p.Status == models.StatusOpening
		if !active && !atBroker {
			continue
		}
		if active {
			report.LedgerPositions++
		}
		seen[p.CI] = true

		f := Finding{CI: p.CI, LocalQty: p.TotalQuantity, BrokerQty: bp.Quantity, Status: string(p.Status)}
		switch {
		case !active:
			f.Kind = "closed_locally_held_at_broker"
		case !atBroker:
			f.Kind = "missing_at_broker"
		case p.Status == models.StatusOpening:
			f.Kind = "unconfirmed_opening"
		case p.Status == models.StatusPendingExit:
			f.Kind = "exit_in_flight"
		case p.TotalQuantity != bp.Quantity:
			f.Kind = "quantity_mismatch"
		default:
			continue
		}
		report.Findings = append(report.Findings, f)
	}

	for _, bp := range snapshot {
		if !seen[bp.CI] {
			report.Findings = append(report.Findings, Finding{CI: bp.CI, Kind: "missing_locally", BrokerQty: bp.Quantity})
		}
	}

	sort.Slice(report.Findings, func(i, j int) bool { return report.Findings[i].CI < report.Findings[j].CI })
	return report
}

func printReport(r *Report) {
	fmt.Printf("=== LEDGER AUDIT ===\n")
	fmt.Printf("Active ledger positions: %d\n", r.LedgerPositions)
	fmt.Printf("Broker option positions: %d\n", r.BrokerPositions)
	if len(r.Skipped) > 0 {
		fmt.Printf("Ignored broker holdings: %s\n", strings.Join(r.Skipped, ", "))
	}
	fmt.Printf("\n")

	if len(r.Findings) == 0 {
		fmt.Printf("Ledger and broker agree.\n")
		return
	}
	fmt.Printf("DISCREPANCIES FOUND:\n")
	for i, f := range r.Findings {
		fmt.Printf("  %d. %-28s %-30s local=%d broker=%d %s\n", i+1, f.CI, f.Kind, f.LocalQty, f.BrokerQty, f.Status)
	}
	fmt.Printf("\nThe reconciler applies broker truth on its next pass; exits in flight are deferred.\n")
}
