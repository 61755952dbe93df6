package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/admission"
	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/config"
	"github.com/phrazzld/studus-sync/internal/lock"
	"github.com/phrazzld/studus-sync/internal/platform/kv"
	"github.com/phrazzld/studus-sync/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// connectRedis loads the configuration and connects to Redis only. The
// maintenance commands need nothing else.
func connectRedis(ctx context.Context, configFile string) (*config.Config, *slog.Logger, *redis.Client, error) {
	cfg, log, err := loadAppConfig(configFile, roleMaint)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := kv.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return cfg, log, client, nil
}

func newUnlockCommand(opts *rootOptions) *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:   "unlock <user-id>",
		Short: "Force-release a user's lock left behind by a dead process",
		Long: `Force-release a user's lock regardless of who holds it. Locks expire on
their own; use this only when a holder is known to be gone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			_, log, client, err := connectRedis(cmd.Context(), opts.configFile)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			key, err := forceUnlock(cmd.Context(), lock.NewRedisLocker(client, log), operation, userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", key)
			return err
		},
	}
	cmd.Flags().StringVar(&operation, "operation", admission.LockOperation, "lock namespace")
	return cmd
}

// forceUnlock releases the lock of operation for userID and returns its key.
func forceUnlock(ctx context.Context, locker *lock.RedisLocker, operation string, userID uuid.UUID) (string, error) {
	key := lock.Key(operation, userID)
	if err := locker.ForceRelease(ctx, key); err != nil {
		return "", err
	}
	return key, nil
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect or reset persisted portal sessions",
	}

	withManager := func(cmd *cobra.Command, fn func(ctx context.Context, m *session.Manager) error) error {
		cfg, log, client, err := connectRedis(cmd.Context(), opts.configFile)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		// The browser launches lazily and none of these commands need it.
		m := session.NewManager(cfg.Session, cfg.Portal.BaseURL, browser.NewLauncher(cfg.Browser, log), client, nil, log)
		return fn(cmd.Context(), m)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear-all",
		Short: "Delete every cached session cookie and status, forcing fresh logins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, m *session.Manager) error {
				return clearSessions(ctx, cmd, m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user-id>",
		Short: "Delete one user's cached session cookies and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			return withManager(cmd, func(ctx context.Context, m *session.Manager) error {
				if err := m.Clear(ctx, userID); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared session of %s\n", userID)
				return err
			})
		},
	})
	return cmd
}

// clearSessions empties the session caches and reports how many cookie sets
// were removed.
func clearSessions(ctx context.Context, cmd *cobra.Command, m *session.Manager) error {
	before, err := m.Stats(ctx)
	if err != nil {
		return err
	}
	if err := m.ClearAll(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached sessions\n", before.CachedCookies)
	return err
}
