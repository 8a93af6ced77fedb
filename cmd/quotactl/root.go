package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var outputJSON bool

var rootCmd = &cobra.Command{
	Use:   "quotactl",
	Short: "Operator CLI for the metering service",
	Long: `quotactl reads and resets the rate windows and daily quotas the metering
service enforces.

It connects directly to the service's PostgreSQL and Redis, configured with
the same environment variables as the server (DB_*, REDIS_*, QUOTA_TIMEZONE,
PLANS_FILE). A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")
}

// backend is everything a command may need, opened from the environment.
type backend struct {
	cfg        *config.Config
	db         *database.Database
	cache      *cache.Cache
	quota      *quota.Service
	plans      *billing.PlanResolver
	principals *billing.PostgresPrincipals
	deadLetter *quota.RedisDeadLetters
	store      *quota.PostgresStore
	logger     *zap.Logger
}

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := zap.NewNop()

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	c, err := cache.NewCache(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	store := quota.NewPostgresStore(db)
	return &backend{
		cfg:   cfg,
		db:    db,
		cache: c,
		quota: quota.NewService(quota.Options{
			Windows: quota.NewRedisWindowCounter(c),
			Store:   store,
			Clock:   quota.NewDayClock(cfg.Quota.Location, nil),
			Logger:  logger,
		}),
		plans:      billing.NewPlanResolver(cfg.Plans, logger),
		principals: billing.NewPostgresPrincipals(db),
		deadLetter: quota.NewRedisDeadLetters(c, logger),
		store:      store,
		logger:     logger,
	}, nil
}

func (b *backend) Close() {
	b.cache.Close()
	b.db.Close()
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
