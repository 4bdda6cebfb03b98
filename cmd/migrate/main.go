// Command migrate applies the SQL schema and seed files against Postgres.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stocktrail.org/internal/migrate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("STOCKTRAIL_PG_DSN"), "PostgreSQL DSN")
	migrationsDir := fs.String("migrations", "migrations", "path to SQL migrations")
	seedsDir := fs.String("seeds", "seeds", "path to SQL seeds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd := fs.Arg(0)
	if cmd == "" {
		return fmt.Errorf("usage: migrate [flags] up|down|seed|status")
	}
	if *dsn == "" {
		return fmt.Errorf("missing DSN: provide -dsn or STOCKTRAIL_PG_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr := migrate.NewManager(db, *migrationsDir, *seedsDir)
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
