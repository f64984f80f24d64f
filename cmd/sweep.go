package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caregate/ssoguard/pkg/ratelimit"
	rediscounter "github.com/caregate/ssoguard/pkg/ratelimit/redis"
	"github.com/caregate/ssoguard/pkg/replay"
	"github.com/caregate/ssoguard/pkg/storage/postgres"
)

type sweepConfig struct {
	DatabaseURL  string
	RedisAddress string
	Timeout      time.Duration
}

func init() {
	rootCmd.AddCommand(newSweepCommand())
}

// The sweep is safe to run from multiple schedulers at once; deleting an
// already-deleted record is a no-op. The optional redis throttle just keeps
// an over-eager cron from hammering the database.
func newSweepCommand() *cobra.Command {
	cfg := sweepConfig{Timeout: 30 * time.Second}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired replay records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			databaseURL, err := resolveDatabaseURL(cfg.DatabaseURL)
			if err != nil {
				return err
			}

			db, err := sql.Open("pgx", databaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}

			adapter, err := postgres.NewAdapter(db)
			if err != nil {
				return fmt.Errorf("prepare replay store: %w", err)
			}
			defer adapter.Close()

			if cfg.RedisAddress != "" {
				allowed, err := sweepAllowed(ctx, cfg.RedisAddress)
				if err != nil {
					cmd.PrintErrf("warning: sweep throttle unavailable, continuing: %v\n", err)
				} else if !allowed {
					cmd.Println("Sweep already ran this window, skipping.")
					return nil
				}
			}

			guard, err := replay.NewGuard(adapter)
			if err != nil {
				return err
			}

			removed, err := guard.CleanupExpired(ctx)
			if err != nil {
				return fmt.Errorf("sweep expired replay records: %w", err)
			}

			cmd.Printf("Removed %d expired replay record(s).\n", removed)
			return nil
		},
	}

	sweepCmd.Flags().StringVar(&cfg.DatabaseURL, "database-url", "", "Database connection URL. Can also be set via SSOGUARD_DATABASE_URL.")
	sweepCmd.Flags().StringVar(&cfg.RedisAddress, "redis-address", "", "Optional redis address used to throttle concurrent sweeps.")
	sweepCmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall sweep deadline.")

	return sweepCmd
}

func sweepAllowed(ctx context.Context, redisAddress string) (bool, error) {
	counter := rediscounter.NewAdapter(rediscounter.Config{Address: redisAddress})
	defer counter.Close()

	limiter, err := ratelimit.NewLimiter(counter)
	if err != nil {
		return false, err
	}

	budget := ratelimit.DefaultBudgets()[ratelimit.ScopeAdminCLI]
	result := limiter.Check(ctx, ratelimit.ScopeAdminCLI, "sweep", budget.Limit, budget.Window)
	return result.Allowed, nil
}
