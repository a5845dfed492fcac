// Command usage-reset zeroes the monthly usage counters of every user whose
// last reset is at least a month old.
//
// Usage:
//
//	usage-reset [-dry-run] [-force]
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/DukeRupert/csvmeter/internal"
	"github.com/DukeRupert/csvmeter/internal/repository"
	"github.com/DukeRupert/csvmeter/internal/service"
)

func run() error {
	dryRun := flag.Bool("dry-run", false, "report the users that would be reset without changing them")
	force := flag.Bool("force", false, "reset every user with usage regardless of their last reset date")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}
	if cfg.StoreDriver != internal.StoreDriverPostgres {
		return fmt.Errorf("usage-reset requires STORE_DRIVER=postgres, got: %s", cfg.StoreDriver)
	}

	// Logs go to stderr so the report on stdout stays machine readable.
	logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	reset := service.NewResetService(repository.NewStore(db), cfg.ResetPageSize, logger)
	report, err := reset.Run(ctx, service.ResetOptions{DryRun: *dryRun, Force: *force})
	if err != nil {
		return fmt.Errorf("usage reset failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
