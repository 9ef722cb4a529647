package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/chatstate/internal/config"
	"github.com/harun/chatstate/internal/logger"
	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/conversation"
	"github.com/harun/chatstate/pkg/gateway"
	"github.com/harun/chatstate/pkg/provider"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chatstate gateway",
	Long: `Run the gateway in the foreground. Conversations are served over
JSON-RPC on /ws and /rpc and streamed to subscribers on /channel. The config
file is watched and new conversation defaults apply without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// app holds the long-lived services of a running gateway
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    store.Store
	manager  *conversation.Manager
	gateway  *gateway.Server
	evictor  func()
	tracing  bool
	auditLog bool
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.Setup(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// buildApp wires config into store, providers, manager and gateway
func buildApp(ctx context.Context, cfg *config.Config, base zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: base.With().Str("component", "cli").Logger(),
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return nil, err
		}
		a.auditLog = true
	}

	if cfg.Telemetry.Enabled {
		if err := tracing.Setup(ctx, tracing.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		}); err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		a.tracing = true
	}

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Path:   cfg.Store.Path,
		ID:     cfg.Store.ID,
	}, base)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	providers, err := provider.NewFromConfig(ctx, cfg.Providers, base)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		a.logger.Warn().Msg("No providers configured, completions will fail")
	}

	a.manager, err = conversation.NewManager(conversation.ManagerConfig{
		Store:     st,
		Providers: providers,
		Defaults:  conversation.DefaultSettings(cfg.Defaults),
		NewTools: func(l zerolog.Logger) conversation.ToolCaller {
			return tools.NewRegistry(l)
		},
		MaxQueueSize: cfg.Mailbox.MaxQueueSize,
		Logger:       base,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Mailbox.EvictionSchedule != "" {
		a.evictor, err = a.manager.ScheduleEviction(cfg.Mailbox.EvictionSchedule, cfg.Mailbox.IdleTimeoutDuration())
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	a.gateway, err = gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		Manager:           a.manager,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            base,
	})
	if err != nil {
		a.stopEviction()
		_ = st.Close()
		return nil, err
	}

	return a, nil
}

// reload applies a changed config. Only conversation defaults are hot
// reloadable; gateway, store and provider changes need a restart.
func (a *app) reload(cfg *config.Config) {
	a.manager.SetDefaults(conversation.DefaultSettings(cfg.Defaults))
	a.logger.Info().
		Str("provider", cfg.Defaults.Provider).
		Str("model", cfg.Defaults.Model).
		Msg("Conversation defaults reloaded")

	if cfg.Gateway != a.cfg.Gateway || cfg.Store != a.cfg.Store {
		a.logger.Warn().Msg("Gateway or store settings changed, restart to apply")
	}
}

// shutdown stops accepting requests, then closes conversations and the store
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.stopEviction()
	if err := a.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close conversations: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if a.tracing {
		if err := tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}
	if a.auditLog {
		if err := observability.GetAuditLogger().Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit log: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (a *app) stopEviction() {
	if a.evictor != nil {
		a.evictor()
		a.evictor = nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer log.Close()
	loader.SetLogger(log.Zerolog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log.Zerolog())
	if err != nil {
		return err
	}

	if err := a.gateway.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.shutdown(shutdownCtx))
	}
	a.logger.Info().
		Str("addr", a.gateway.Addr()).
		Str("store", cfg.Store.Driver).
		Strs("providers", providerNames(cfg)).
		Msg("Chatstate started")

	if err := loader.Watch(a.reload); err != nil {
		a.logger.Warn().Err(err).Msg("Config hot reload disabled")
	}

	<-ctx.Done()
	a.logger.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info().Msg("Chatstate stopped")
	return nil
}

func providerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	return names
}
