package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/phrazzld/studus-sync/internal/platform/postgres"
	"github.com/phrazzld/studus-sync/internal/service/auth"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "studus-sync",
		Short:         "Mirror Studus portal grades, lessons and attendance into PostgreSQL",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Apply pending migrations
  STUDUS_DATABASE_URL=postgres://localhost/studus studus-sync migrate up

  # Serve the HTTP API
  studus-sync api --config /etc/studus/config.yaml

  # Run a sync worker against the shared Redis queue
  studus-sync worker`,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"path to a YAML config file (default: ./config.yaml when present)")

	cmd.AddCommand(newAPICommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newHashPasswordCommand())
	cmd.AddCommand(newUnlockCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))
	return cmd
}

func newAPICommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API. With the memory queue backend the worker runs in
the same process, since jobs cannot leave it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApplication(cmd.Context(), opts.configFile, roleAPI)
			if err != nil {
				return err
			}
			defer app.cleanup()
			return app.runAPI(cmd.Context())
		},
	}
}

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume LOGIN and SYNC tasks from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApplication(cmd.Context(), opts.configFile, roleWorker)
			if err != nil {
				return err
			}
			defer app.cleanup()
			return app.runWorker(cmd.Context())
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <" + strings.Join(postgres.MigrationCommands, "|") + ">",
		Short:     "Run a schema migration command",
		ValidArgs: postgres.MigrationCommands,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadAppConfig(opts.configFile, roleMigrate)
			if err != nil {
				return err
			}
			db, err := setupAppDatabase(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := postgres.Migrate(cmd.Context(), db, args[0], log); err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			return nil
		},
	}
}

// newHashPasswordCommand prints bcrypt hashes for seeding users by hand.
// Passwords come from the arguments, or one per line on stdin.
func newHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password...]",
		Short: "Print bcrypt hashes of passwords",
		RunE: func(cmd *cobra.Command, args []string) error {
			passwords := args
			if len(passwords) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						passwords = append(passwords, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read passwords: %w", err)
				}
			}

			for _, password := range passwords {
				hash, err := auth.HashPassword(password, cost)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), hash); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	return cmd
}
