package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/logger"
	"github.com/loopgate/loopgate/pkg/engine"
	"github.com/loopgate/loopgate/pkg/gateway"
	"github.com/loopgate/loopgate/pkg/janitor"
	"github.com/loopgate/loopgate/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loopgate gateway",
	Long: `Run the Loopgate gateway in the foreground.
Agents connect as producers, operator UIs connect as consumers, and session
management runs over JSON-RPC.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	st, err := store.Open(cfg.Store.Path, lg.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	eng, err := engine.New(engine.Config{
		Store:     st,
		Logger:    lg.Zerolog(),
		UIBaseURL: cfg.Gateway.UIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		PingInterval: time.Duration(cfg.Gateway.PingIntervalSec) * time.Second,
		PongTimeout:  time.Duration(cfg.Gateway.PongTimeoutSec) * time.Second,
		Engine:       eng,
		Logger:       lg.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	var jan *janitor.Janitor
	if cfg.Retention.Enabled {
		jan, err = janitor.New(st, cfg.Retention.MaxAge(), cfg.Retention.CronSchedule, lg.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create janitor: %w", err)
		}
		jan.Start()
		defer jan.Stop()
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Hot-reload the log level when the config file changes.
	configPath, _ := loader.Path()
	watcher, err := config.NewWatcher(configPath, lg.Zerolog(), func(next *config.Config) {
		if logLevel != "" {
			return
		}
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			lg.Warn().Err(err).Str("level", next.Logging.Level).Msg("Ignoring invalid log level from config reload")
		}
	})
	if err != nil {
		lg.Warn().Err(err).Msg("Config watcher disabled")
	} else {
		defer watcher.Stop()
	}

	lg.Info().
		Int("port", cfg.Gateway.Port).
		Str("store", cfg.Store.Path).
		Str("ui", cfg.Gateway.UIBaseURL).
		Msg("Loopgate is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	lg.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop shuts the engine down first so blocked producers get their
	// abandonment frame before the sockets close.
	if err := srv.Stop(); err != nil {
		lg.Error().Err(err).Msg("Gateway shutdown failed")
	}

	return nil
}
