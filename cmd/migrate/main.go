// Command migrate applies the settlement schema with goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # apply pending migrations
//	go run ./cmd/migrate status          # list applied and pending
//	go run ./cmd/migrate down            # roll back the last migration
//	go run ./cmd/migrate -dir db/sql up  # read migrations from another dir
//
// Commands that drop ledger or escrow tables (down, down-to, reset, redo)
// are refused when ENV=production unless -force is given.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/p2pdesk/settlement/internal/logging"
)

var destructive = []string{"down", "down-to", "reset", "redo"}

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "migrations directory")
	force := flag.Bool("force", false, "allow destructive commands in production")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall time limit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, up-to <v>, down, down-to <v>, redo, reset, status, version")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	if os.Getenv("ENV") == "production" && slices.Contains(destructive, command) && !*force {
		logger.Error("refusing destructive migration in production", "command", command)
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dbURL, *dir, command, args); err != nil {
		logger.Error("migration failed", "command", command, "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command, "dir", *dir)
}

func run(ctx context.Context, dbURL, dir, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, dir, args...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
