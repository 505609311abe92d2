package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. It owns the optional log file and installs
// itself as the zerolog global logger.
type Logger struct {
	logger   zerolog.Logger
	redactor *Redactor

	mu   sync.Mutex
	file io.Closer
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // log file path, empty for none
	Console   bool      // write to Output (stderr by default)
	Pretty    bool      // human readable console lines
	Output    io.Writer // console destination override
	Redaction bool      // mask credentials
	MaxSize   int       // MB before rotation, 0 disables rotation
	MaxAge    int       // days to keep rotated files
	Compress  bool      // gzip rotated files
}

// New creates a logger from cfg. An unknown level falls back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: out != os.Stderr}
		}
		writers = append(writers, out)
	}

	file, err := openFile(cfg)
	if err != nil {
		return nil, err
	}
	if file != nil {
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	l := &Logger{logger: zl, redactor: redactor}
	if file != nil {
		l.file = file
	}
	return l, nil
}

func openFile(cfg Config) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nil, nil
	}
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close closes the log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// With creates a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// Component returns a child logger tagged component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
