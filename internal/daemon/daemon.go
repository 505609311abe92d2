package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/logger"
	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/internal/telegram"
	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/channels"
	"github.com/harun/lunar/pkg/gateway"
)

const (
	auditFile       = "audit.log"
	shutdownTimeout = 30 * time.Second
)

// Daemon represents the Lunar daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	core *Core

	// Services
	gatewayServer   *gateway.Server
	channelRegistry *channels.Registry
	telegramBot     *telegram.Bot

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Options adjust daemon construction.
type Options struct {
	Core CoreOptions
}

// Status reports whether the daemon is serving and for how long.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:    cfg,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
		lifecycle: NewLifecycleManager(cfg.DataDir, log.GetZerolog()),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, auditFile)); err != nil {
		log.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
	}

	d.channelRegistry = channels.NewRegistry(d.dispatch)

	coreOpts := opt.Core
	if coreOpts.Transport == nil {
		coreOpts.Transport = d.channelRegistry.Transport
	}
	core, err := OpenCore(cfg, log, coreOpts)
	if err != nil {
		cancel()
		return nil, err
	}
	d.core = core

	if err := d.initializeServices(); err != nil {
		_ = core.Close()
		cancel()
		return nil, err
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("capabilities", len(core.Tools.List())).
		Msg("Daemon initialized")

	return d, nil
}

func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	if d.config.Telegram.Enabled {
		bot, err := telegram.New(d.config.Telegram, telegram.Options{
			Logger:        zl,
			WorkspaceRoot: d.config.WorkspacePath,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		if err := d.channelRegistry.Register(bot); err != nil {
			return err
		}
		d.telegramBot = bot
	}

	if d.config.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			StaticDir:    d.config.Gateway.StaticDir,
			Runner:       d.core.Runner,
			Tools:        d.core.Tools,
			Scheduler:    d.core.Scheduler,
			Memory:       d.core.Memory,
			People:       d.core.People,
			Transcripts:  d.core.Transcripts,
			Status:       d.statusInfo,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

// Core returns the shared core modules.
func (d *Daemon) Core() *Core {
	return d.core
}

// Gateway returns the gateway server, or nil when it is disabled.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		return fmt.Errorf("daemon has been stopped")
	}

	traceID := tracing.NewTraceID()
	ctx := tracing.WithTraceID(d.ctx, traceID)
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting Lunar daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := os.MkdirAll(d.config.WorkspacePath, 0755); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := d.core.Scheduler.Initialize(ctx, d.core.Tools.Lookup); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	if err := d.channelRegistry.StartAll(d.ctx); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start channels: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.channelRegistry.StopAll(context.Background())
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	d.running = true
	d.startTime = time.Now()

	logger.Info().
		Strs("channels", d.channelRegistry.Names()).
		Int("jobs", d.core.Scheduler.Armed()).
		Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.stopped = true
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping Lunar daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop gateway server
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.channelRegistry.StopAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	// Scheduler and document store go last so running jobs can still persist
	if err := d.core.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close core modules")
	}

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Close releases resources of a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return nil
	}
	d.stopped = true
	d.cancel()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
	_ = observability.GetAuditLogger().Close()
	return d.core.Close()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// statusInfo feeds the gateway status method.
func (d *Daemon) statusInfo(ctx context.Context) map[string]interface{} {
	backend := d.core.Settings.ActiveBackend(ctx)

	st := d.Status()
	return map[string]interface{}{
		"provider":   backend.Provider,
		"model":      backend.Model,
		"configured": backend.APIKey != "",
		"channels":   d.channelRegistry.Statuses(),
		"uptime":     st.Uptime.Round(time.Second).String(),
	}
}

// WatchConfig reloads the AI section whenever loader's file changes.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	return loader.Watch(d.applyConfig)
}

func (d *Daemon) applyConfig(cfg *config.Config, err error) {
	if err != nil {
		d.logger.Warn().Err(err).Msg("Config reload failed, keeping previous settings")
		return
	}
	d.core.Settings.SetFile(cfg.AI)
	d.logger.Info().Str("provider", cfg.AI.Provider).Msg("Config reloaded")
	observability.RecordConfigAudit(d.ctx, "reload", "file", map[string]interface{}{"provider": cfg.AI.Provider})

	if d.gatewayServer != nil {
		d.gatewayServer.Broadcast(gateway.EventStatus, d.statusInfo(d.ctx))
	}
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon. It also
// returns when the daemon is stopped by other means.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := d.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-d.ctx.Done():
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
