package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/api"
	"github.com/CybercentreCanada/clue/internal/bus"
	"github.com/CybercentreCanada/clue/internal/config"
	"github.com/CybercentreCanada/clue/internal/dispatch"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/server"
	"github.com/CybercentreCanada/clue/internal/sourceclient"
	"github.com/CybercentreCanada/clue/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment gateway",
	Long: `Start the Clue gateway which includes:

1. The HTTP API under /api/v1 (lookup, actions, fetchers, registration, configs)
2. Quota admission for every source call
3. The scheduled reload of registered sources
4. The registry event consumer shared with other instances

The serve command runs until interrupted (Ctrl+C) and shuts the HTTP server
down gracefully.

Examples:
  # Start with the defaults
  clue serve

  # Share quotas and registrations with other instances
  clue serve --redis redis://localhost:6379 --bind 0.0.0.0:5000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("bind", "127.0.0.1:5000", "Bind address for the HTTP API")
	serveCmd.Flags().Float64("rps", 50, "Max API requests per second (0 disables rate limiting)")
	serveCmd.Flags().Int("burst", 100, "Burst size for the API rate limiter")
	serveCmd.Flags().String("refresh-schedule", registry.DefaultRefreshSchedule, "Cron schedule for reloading registered sources")

	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.rps", serveCmd.Flags().Lookup("rps"))
	viper.BindPFlag("server.burst", serveCmd.Flags().Lookup("burst"))
	viper.BindPFlag("registry.refresh_schedule", serveCmd.Flags().Lookup("refresh-schedule"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	logger.Info("starting clue", zap.String("version", versionString()))

	models.SetLocalizationLanguages(cfg.Localization.Languages)

	s, err := openShared(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.bus.HealthCheck(ctx); err != nil {
		logger.Warn("registry event bus unhealthy", zap.Error(err))
	}

	var auditor store.Auditor
	if cfg.Database.Path != "" {
		st, err := store.NewStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer st.Close()
		auditor = st
		logger.Info("auditing enabled", zap.String("path", cfg.Database.Path))
	}

	reg, err := openRegistry(ctx, cfg, s, logger)
	if err != nil {
		return err
	}

	refresher, err := registry.NewRefresher(reg, cfg.Registry.RefreshSchedule, logger)
	if err != nil {
		return err
	}
	refresher.Start(ctx)

	go func() {
		err := s.bus.Subscribe(ctx, func(ctx context.Context, ev bus.RegistryEvent) error {
			logger.Info("registry event", zap.String("kind", string(ev.Kind)), zap.String("source", ev.Source), zap.String("origin", ev.Origin))
			return reg.Refresh(ctx)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("registry event consumer stopped", zap.Error(err))
		}
	}()

	if file := viper.ConfigFileUsed(); file != "" {
		if err := config.Watch(ctx, file, func() { reloadBuiltins(reg, logger) }, logger); err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		}
	}

	c12n, err := cfg.ClassificationEngine()
	if err != nil {
		return err
	}
	engine := dispatch.New(reg, sourceclient.New(sourceclient.Options{Logger: logger}), s.tracker, c12n, dispatch.Config{
		DefaultTimeout: config.Seconds(cfg.Lookup.DefaultTimeout),
		MaxTimeout:     config.Seconds(cfg.Lookup.MaxTimeout),
		Strict:         cfg.Lookup.Strict,
		DefaultQuota:   cfg.Quota.Max,
		MaxConcurrency: cfg.Lookup.MaxConcurrency,
	}, logger)

	handler := api.New(api.Options{
		Engine:         engine,
		Registry:       reg,
		Classification: c12n,
		Auditor:        auditor,
		Public: api.PublicConfig{
			Name:           "clue",
			Version:        versionString(),
			DefaultTimeout: cfg.Lookup.DefaultTimeout,
			MaxTimeout:     cfg.Lookup.MaxTimeout,
			Strict:         cfg.Lookup.Strict,
		},
		Logger: logger,
	}).Handler()

	srv := server.New(server.Options{
		Bind:         cfg.Server.Bind,
		RPS:          cfg.Server.RPS,
		Burst:        cfg.Server.Burst,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		WriteTimeout: config.Seconds(cfg.Lookup.MaxTimeout) + 30*time.Second,
		Logger:       logger,
	}, handler)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("clue ready", zap.String("addr", "http://"+srv.Addr()+api.Prefix), zap.Int("sources", len(reg.List())))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// reloadBuiltins re-reads the config file and swaps in its source list.
func reloadBuiltins(reg *registry.Registry, logger *zap.Logger) {
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("failed to re-read config", zap.String("file", filepath.Base(viper.ConfigFileUsed())), zap.Error(err))
		return
	}
	cfg, err := GetConfig()
	if err != nil {
		logger.Warn("ignoring invalid config", zap.Error(err))
		return
	}
	if err := reg.SetBuiltins(cfg.Sources); err != nil {
		logger.Warn("ignoring invalid source list", zap.Error(err))
		return
	}
	models.SetLocalizationLanguages(cfg.Localization.Languages)
}
