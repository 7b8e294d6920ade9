// Command migrate manages the Kudipeer PostgreSQL schema with goose.
//
// DATABASE_URL names the target database. Typical invocations:
//
//	go run ./cmd/migrate up          # apply everything pending
//	go run ./cmd/migrate status      # list applied and pending migrations
//	go run ./cmd/migrate down        # roll back the newest migration
//	go run ./cmd/migrate up-to 4     # apply up to a specific version
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"

	"github.com/kudipeer/kudipeer/internal/storage"
)

const migrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command> [args]")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := storage.Open(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	command := os.Args[1]
	if err := goose.RunContext(context.Background(), command, db, migrationsDir, os.Args[2:]...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
