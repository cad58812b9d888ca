package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
	_ "github.com/lockbase/lockbase/state/migrations"
)

var flagMigrationsDir = flag.String("migrations-dir", "state/migrations", "Directory containing the goose migrations")

// executeMigrations runs a goose command ("up", "down", "status", ...)
// against the configured database. Go migrations register themselves through
// the state/migrations import.
func executeMigrations(postgresURI string, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lockbased migrate <up|up-by-one|down|redo|status|version> [args]")
		os.Exit(1)
	}
	command := args[0]

	db, err := goose.OpenDBWithDriver("postgres", postgresURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open DB: %s\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := goose.RunContext(context.Background(), command, db, *flagMigrationsDir, args[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "goose %s failed: %s\n", command, err)
		os.Exit(1)
	}
}
