// Package tools provides the base capabilities every conversation gets:
// task scheduling, proactive messaging, memory and a confined workspace.
package tools

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/channels"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/rs/zerolog"
)

// TransportFunc returns the outbound messaging transport, if one is
// connected right now.
type TransportFunc func() (channels.Transport, bool)

// Options selects and configures the base capabilities. A group whose
// dependency is nil (or, for the workspace, an empty root) is left out.
type Options struct {
	Scheduler *scheduler.Scheduler
	People    *people.Directory
	Memory    *memory.Store
	Transport TransportFunc

	WorkspaceRoot  string
	CommandTimeout time.Duration
	// MaxReadBytes caps read_file; zero means DefaultMaxReadBytes.
	MaxReadBytes int64

	Logger zerolog.Logger
}

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultMaxReadBytes   = 200000
)

// Base builds the base capabilities.
func Base(opts Options) ([]capability.Capability, error) {
	var caps []capability.Capability

	if opts.Scheduler != nil {
		caps = append(caps,
			scheduleTask(opts.Scheduler),
			listScheduledTasks(opts.Scheduler),
			cancelScheduledTask(opts.Scheduler),
		)
	}

	if opts.Transport != nil {
		if opts.People == nil {
			return nil, fmt.Errorf("people directory is required for send_message")
		}
		caps = append(caps, sendMessage(opts))
	}

	if opts.Memory != nil {
		caps = append(caps, remember(opts.Memory), recall(opts.Memory))
	}

	if opts.WorkspaceRoot != "" {
		root, err := filepath.Abs(opts.WorkspaceRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
		}
		ws := &workspace{
			root:    root,
			timeout: opts.CommandTimeout,
			maxRead: opts.MaxReadBytes,
			logger:  opts.Logger.With().Str("component", "workspace").Logger(),
		}
		if ws.timeout <= 0 {
			ws.timeout = DefaultCommandTimeout
		}
		if ws.maxRead <= 0 {
			ws.maxRead = DefaultMaxReadBytes
		}
		caps = append(caps, ws.listDirectory(), ws.searchFiles(), ws.readFile(), ws.executeCommand())
	}

	return caps, nil
}

// Registry builds a capability registry from Base.
func Registry(opts Options) (*capability.Registry, error) {
	caps, err := Base(opts)
	if err != nil {
		return nil, err
	}
	return capability.NewRegistry(caps...)
}
