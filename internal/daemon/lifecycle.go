package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// PIDFileName is the PID file written under the data directory.
const PIDFileName = "lunar.pid"

// LifecycleManager owns the daemon's PID file.
type LifecycleManager struct {
	dataDir string
	pidFile string
	logger  zerolog.Logger
}

// NewLifecycleManager creates a lifecycle manager rooted at dataDir.
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		dataDir: dataDir,
		pidFile: filepath.Join(dataDir, PIDFileName),
		logger:  logger,
	}
}

// PIDFile returns the PID file path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Start writes the PID file. It fails when another live process already
// owns it.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := l.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	if err := l.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")

	return nil
}

// Stop removes the PID file.
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	l.logger.Info().Msg("Lifecycle manager stopped")

	return nil
}

func (l *LifecycleManager) writePIDFile() error {
	content := strconv.Itoa(os.Getpid())
	return os.WriteFile(l.pidFile, []byte(content), 0644)
}

// GetPID returns the daemon PID from the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}

	return pid, nil
}

// StartedAt returns when the PID file was written.
func (l *LifecycleManager) StartedAt() (time.Time, error) {
	info, err := os.Stat(l.pidFile)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// IsRunning checks whether the process named in the PID file is alive.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Signal delivers sig to the process named in the PID file.
func (l *LifecycleManager) Signal(sig syscall.Signal) error {
	pid, err := l.GetPID()
	if err != nil {
		return fmt.Errorf("daemon is not running: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so probe with signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
