package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"CustodyLedger/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CUSTODY_POSTGRES_DSN             - Postgres connection string (required)")
		fmt.Println("  CUSTODY_POSTGRES_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	dsn := os.Getenv("CUSTODY_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/custodyledger?sslmode=disable"
	}

	migrationsDir := os.Getenv("CUSTODY_POSTGRES_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir)

	switch os.Args[1] {
	case "up":
		ran, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		for _, f := range ran {
			log.Printf("INFO: applied %s", f)
		}
		log.Printf("INFO: %d migration(s) applied", len(ran))

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if rolled == "" {
			log.Println("INFO: nothing to roll back")
		} else {
			log.Printf("INFO: rolled back %s", rolled)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
