package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/logger"
	"github.com/lumenlabs/lumen/internal/observability"
	"github.com/lumenlabs/lumen/internal/tracing"
	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/gateway"
	"github.com/lumenlabs/lumen/pkg/orchestrator"
	"github.com/lumenlabs/lumen/pkg/runner"
	"github.com/lumenlabs/lumen/pkg/tooltracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Lumen gateway server",
	Long: `Start the websocket gateway and serve chat sessions until
interrupted. Connections, sessions, metering and billing are all
managed in-process.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.GetZerolog()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			return fmt.Errorf("initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	observability.EnsureRegistered()

	factory, err := buildFactory(cfg, log)
	if err != nil {
		return err
	}

	manager, err := orchestrator.NewManager(orchestrator.Config{
		ReadyRetries:  cfg.Session.ReadyRetries,
		ReadyInterval: cfg.Session.ReadyInterval(),
		CloseDelay:    cfg.Session.CloseDelay(),
		TrackerMaxAge: cfg.Tracker.MaxAge(),
		Billing: billingConfig(cfg.Billing),
	}, factory, log)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	if cfg.Billing.Enabled {
		ledger, err := billing.OpenLedger(cfg.Billing.LedgerPath, log)
		if err != nil {
			return fmt.Errorf("open charge ledger: %w", err)
		}
		defer ledger.Close()
		manager.AttachLedger(ledger)
	}

	janitor, err := tooltracker.NewJanitor(log, cfg.Tracker.CleanupSchedule)
	if err != nil {
		return fmt.Errorf("create tool record janitor: %w", err)
	}
	janitor.TrackSource(manager.Trackers)
	janitor.Start()
	defer janitor.Stop()

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Server.Port,
		AllowedHosts: cfg.Server.AllowedHosts,
		Manager:      manager,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("create gateway server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start gateway server: %w", err)
	}

	// Hot reload applies the log level and billing settings; server and
	// runner changes need a restart because live connections hold the old
	// settings.
	watcher, err := config.NewWatcher(config.NewLoader(cfgFile), log, func(next *config.Config) {
		if level, perr := zerolog.ParseLevel(next.Logging.Level); perr == nil {
			zerolog.SetGlobalLevel(level)
			log.Info().Str("level", next.Logging.Level).Msg("Log level updated")
		}
		manager.UpdateBillingConfig(billingConfig(next.Billing))
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Str("provider", cfg.Runner.Provider).
		Bool("billing", cfg.Billing.Enabled).
		Msg("Lumen gateway started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("Shutting down")

	return server.Stop()
}

// billingConfig maps file settings onto the engine's config.
func billingConfig(c config.BillingConfig) billing.Config {
	return billing.Config{
		Enabled:         c.Enabled,
		BaseURL:         c.BaseURL,
		SKUID:           c.SKUID,
		Scene:           c.Scene,
		ChangeType:      c.ChangeType,
		MinCharge:       c.MinCharge,
		PhotonToRMBRate: c.PhotonRMBRate,
		DevAccessKey:    c.DevAccessKey,
		ClientName:      c.ClientName,
		RequestTimeout:  time.Duration(c.RequestTimeout) * time.Second,
	}
}

// buildFactory selects the runner backend from config.
func buildFactory(cfg *config.Config, log zerolog.Logger) (runner.Factory, error) {
	switch cfg.Runner.Provider {
	case "anthropic":
		return runner.NewAnthropicFactory(runner.AnthropicConfig{
			APIKey:       cfg.Runner.APIKey,
			Model:        cfg.Runner.Model,
			MaxTokens:    int64(cfg.Runner.MaxTokens),
			SystemPrompt: cfg.Runner.SystemPrompt,
		}, log)
	case "openai":
		return runner.NewOpenAIFactory(runner.OpenAIConfig{
			APIKey:       cfg.Runner.APIKey,
			Model:        cfg.Runner.Model,
			MaxTokens:    int64(cfg.Runner.MaxTokens),
			SystemPrompt: cfg.Runner.SystemPrompt,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported runner provider: %s", cfg.Runner.Provider)
	}
}
