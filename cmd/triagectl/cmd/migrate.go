package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/infra/postgres"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema directly (uses DB_* environment variables)",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(r *migrations.Runner) error {
			n, err := r.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s)\n", n)
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(r *migrations.Runner) error {
			version, err := r.Down(cmd.Context())
			if err != nil {
				return err
			}
			if version == "" {
				fmt.Println("Nothing to roll back")
				return nil
			}
			fmt.Printf("Rolled back %s\n", version)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(r *migrations.Runner) error {
			status, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			if render(status) {
				return nil
			}
			t := newTable("VERSION", "NAME", "APPLIED")
			for _, m := range status {
				applied := "pending"
				if m.AppliedAt != nil {
					applied = shortTime(*m.AppliedAt)
				}
				t.AppendRow([]any{m.Version, m.Name, applied})
			}
			t.Render()
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func withRunner(ctx context.Context, fn func(*migrations.Runner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return fmt.Errorf("no database configured: set DB_HOST")
	}

	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	log := logger.NewNop()
	if flagVerbose {
		log = logger.NewDevelopment()
	}
	return fn(migrations.NewRunner(db.DB, log))
}
