// Command dispatchctl is the operator CLI for the dispatch engine.
//
// Usage:
//
//	dispatchctl migrate
//	dispatchctl dispatch --category plumbing --lat 40.71 --lng -74.00 --requester ops
//	dispatchctl renotify --id 8d0c7f5e-...
//	dispatchctl prune --days 90
//	dispatchctl token
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/gig-dispatch/internal/app"
	"github.com/albapepper/gig-dispatch/internal/config"
	"github.com/albapepper/gig-dispatch/internal/credentials"
	"github.com/albapepper/gig-dispatch/internal/db"
	"github.com/albapepper/gig-dispatch/internal/dispatch"
	"github.com/albapepper/gig-dispatch/internal/logger"
	"github.com/albapepper/gig-dispatch/internal/maintenance"
)

var log = slog.Default()

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "dispatchctl",
		Short:        "Gig dispatch operator CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(dispatchCmd())
	root.AddCommand(renotifyCmd())
	root.AddCommand(pruneCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			log.Info("Migrations applied")
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// dispatch / renotify commands
// --------------------------------------------------------------------------

func dispatchCmd() *cobra.Command {
	var (
		in       dispatch.Input
		lat, lng float64
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Create an emergency request and notify nearby workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("lat") {
				in.Lat = &lat
			}
			if cmd.Flags().Changed("lng") {
				in.Lng = &lng
			}
			return withEngine(func(ctx context.Context, _ *config.Config, _ *db.Pool, e *app.Engine) error {
				result, err := e.Coordinator.Dispatch(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&in.RequesterID, "requester", "dispatchctl", "Requester ID recorded on the request")
	cmd.Flags().StringVar(&in.CategoryID, "category", "", "Service category ID")
	cmd.Flags().StringVar(&in.SkillID, "skill", "", "Required skill ID")
	cmd.Flags().StringVar(&in.Description, "description", "", "Free-text description")
	cmd.Flags().StringVar(&in.Address, "address", "", "Human-readable address")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Longitude")
	return cmd
}

func renotifyCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "renotify",
		Short: "Re-run matching and delivery for a pending request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *config.Config, _ *db.Pool, e *app.Engine) error {
				result, err := e.Coordinator.Renotify(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Emergency request ID")
	cmd.MarkFlagRequired("id")
	return cmd
}

// --------------------------------------------------------------------------
// prune command
// --------------------------------------------------------------------------

func pruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete device registrations inactive for longer than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, cfg *config.Config, pool *db.Pool, _ *app.Engine) error {
				if !cmd.Flags().Changed("days") {
					days = cfg.RegistrationRetentionDays
				}
				n, err := maintenance.PurgeInactiveRegistrations(ctx, pool, days)
				if err != nil {
					return err
				}
				log.Info("Purged inactive registrations", "count", n, "retention_days", days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "Retention in days (defaults to REGISTRATION_RETENTION_DAYS)")
	return cmd
}

// --------------------------------------------------------------------------
// token command
// --------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Verify the configured service account can obtain an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *config.Config, _ *db.Pool, e *app.Engine) error {
				mc, err := e.PushStore.MessagingConfig(ctx)
				if err != nil {
					return err
				}
				if mc == nil || !mc.Enabled {
					return errors.New("push messaging is disabled or unconfigured")
				}
				acct, err := credentials.ParseServiceAccount(mc.ServiceAccountJSON)
				if err != nil {
					return err
				}
				token, err := e.Credentials.AccessToken(ctx, acct)
				if err != nil {
					return err
				}
				log.Info("Access token obtained",
					"client_email", acct.ClientEmail,
					"project_id", acct.ProjectID,
					"token_prefix", prefix(token, 8))
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log = logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return cfg, nil
}

func withEngine(fn func(ctx context.Context, cfg *config.Config, pool *db.Pool, e *app.Engine) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool, app.New(pool, cfg, log))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
