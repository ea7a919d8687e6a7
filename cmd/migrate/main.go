// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate redo            # Roll back and re-apply last migration
//	go run ./cmd/migrate up-to 1         # Migrate up to a specific version
//	go run ./cmd/migrate down-to 0       # Roll back to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/lendguard/internal/retry"
)

func main() {
	var (
		dbURL = os.Getenv("DATABASE_URL")
		dir   = "migrations"
	)

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the location risk schema with goose",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbURL, "database-url", dbURL, "PostgreSQL URL (env DATABASE_URL)")
	root.PersistentFlags().StringVar(&dir, "dir", dir, "Directory holding goose migrations")

	run := func(command string, nargs int) *cobra.Command {
		use := command
		if nargs > 0 {
			use += " <version>"
		}
		return &cobra.Command{
			Use:   use,
			Short: "goose " + command,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				if dbURL == "" {
					return fmt.Errorf("DATABASE_URL or --database-url is required")
				}
				db, err := open(cmd.Context(), dbURL)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()

				if err := goose.SetDialect("postgres"); err != nil {
					return err
				}
				if err := goose.RunContext(cmd.Context(), command, db, dir, args...); err != nil {
					return fmt.Errorf("migration %s failed: %w", command, err)
				}
				return nil
			},
		}
	}

	root.AddCommand(
		run("up", 0),
		run("down", 0),
		run("status", 0),
		run("version", 0),
		run("redo", 0),
		run("up-to", 1),
		run("down-to", 1),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// open connects with the same startup backoff the server uses, so the
// command can run next to a database container that is still booting.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := retry.Do(ctx, retry.Startup, func(ctx context.Context) error {
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
