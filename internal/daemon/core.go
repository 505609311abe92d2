package daemon

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/logger"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/harun/lunar/pkg/session"
	"github.com/harun/lunar/pkg/tools"
	"github.com/rs/zerolog"
)

const (
	databaseFile   = "lunar.db"
	transcriptsDir = "transcripts"
)

// CoreOptions tweak how the core modules are assembled.
type CoreOptions struct {
	// Factory overrides backend construction, mainly for tests.
	Factory agent.BackendFactory
	// Transport resolves the outbound channel for send_message. Nil leaves
	// the capability out.
	Transport tools.TransportFunc
}

// Core bundles the modules shared by the daemon and the CLI. Nothing in
// Core starts goroutines: the scheduler stays unarmed until Initialize is
// called on it.
type Core struct {
	KV          kvstore.Store
	People      *people.Directory
	Memory      *memory.Store
	Settings    *config.LiveSettings
	Sessions    *session.Registry
	Transcripts *session.Transcripts
	Scheduler   *scheduler.Scheduler
	Tools       *capability.Registry
	Runner      *agent.Runner
}

// OpenCore opens the document store under cfg.DataDir and wires the core
// modules on top of it.
func OpenCore(cfg *config.Config, log *logger.Logger, opts CoreOptions) (*Core, error) {
	zl := log.GetZerolog()

	kv, err := kvstore.OpenSQLite(kvstore.SQLiteConfig{
		Path:   filepath.Join(cfg.DataDir, databaseFile),
		Logger: zl,
	})
	if err != nil {
		return nil, err
	}

	core, err := assembleCore(cfg, kv, zl, opts)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return core, nil
}

func assembleCore(cfg *config.Config, kv kvstore.Store, zl zerolog.Logger, opts CoreOptions) (*Core, error) {
	directory, err := people.NewDirectory(kv)
	if err != nil {
		return nil, fmt.Errorf("failed to create people directory: %w", err)
	}

	mem, err := memory.NewStore(memory.Config{KV: kv, People: directory, Logger: zl})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}

	settings, err := config.NewLiveSettings(kv, cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("failed to create live settings: %w", err)
	}

	transcripts, err := session.NewTranscripts(filepath.Join(cfg.DataDir, transcriptsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript archive: %w", err)
	}

	limits := capability.Limits{
		Timeout:        time.Duration(cfg.Agent.ToolTimeout) * time.Second,
		MaxOutputBytes: cfg.Agent.MaxToolOutput,
	}

	sched, err := scheduler.New(scheduler.Config{Store: kv, Logger: zl, Limits: limits})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	registry, err := tools.Registry(tools.Options{
		Scheduler:      sched,
		People:         directory,
		Memory:         mem,
		Transport:      opts.Transport,
		WorkspaceRoot:  cfg.WorkspacePath,
		CommandTimeout: time.Duration(cfg.Agent.CommandTimeout) * time.Second,
		Logger:         zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build capabilities: %w", err)
	}

	sessions := session.NewRegistry(cfg.Agent.MaxHistory)
	runner, err := agent.NewRunner(agent.Config{
		Sessions:      sessions,
		Memory:        mem,
		People:        directory,
		Source:        settings,
		Factory:       opts.Factory,
		Logger:        zl,
		MaxRounds:     cfg.Agent.MaxRounds,
		MaxTokens:     cfg.Agent.MaxTokens,
		Limits:        limits,
		RetryAttempts: cfg.Agent.RetryAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent runner: %w", err)
	}

	return &Core{
		KV:          kv,
		People:      directory,
		Memory:      mem,
		Settings:    settings,
		Sessions:    sessions,
		Transcripts: transcripts,
		Scheduler:   sched,
		Tools:       registry,
		Runner:      runner,
	}, nil
}

// Close stops the scheduler and closes the document store.
func (c *Core) Close() error {
	c.Scheduler.Stop()
	return c.KV.Close()
}
