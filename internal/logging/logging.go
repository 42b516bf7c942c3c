// Package logging provides structured logging for the seeder using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	repositoryKey contextKey = "repository"
)

var (
	defaultLogger *slog.Logger
	closer        io.Closer
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`    // debug, info, warn, error
	Format   string          `yaml:"format"`   // json, text
	Output   string          `yaml:"output"`   // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation"` // only used for file output
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"` // e.g. "50MB"
	MaxAge     string `yaml:"max_age"`  // e.g. "7d"
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns the defaults used when no logging section is configured.
// Logs go to stderr so that stdout stays clean for reports.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Init replaces the global logger according to cfg.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := openWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	loggerMu.Lock()
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
	if c, ok := writer.(io.Closer); ok && writer != os.Stdout && writer != os.Stderr {
		closer = c
	}
	defaultLogger = slog.New(handler)
	loggerMu.Unlock()

	return nil
}

// Close releases the log file opened by Init, if any.
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Suppress silences all logging. Used when the report is written as JSON to
// stdout and logs were also configured for stdout.
func Suppress() {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discard
	loggerMu.Unlock()

	slog.SetDefault(discard)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		w, err := newRotatingWriter(cfg.Output, cfg.Rotation)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithRepository returns a logger scoped to one repository episode.
func WithRepository(component, project, repository string) *slog.Logger {
	return WithComponent(component).With(
		slog.String("project", project),
		slog.String("repository", repository),
	)
}

// ContextWithRunID attaches the run id so that WithContext can pick it up.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextWithRepository attaches the repository name being processed.
func ContextWithRepository(ctx context.Context, repository string) context.Context {
	return context.WithValue(ctx, repositoryKey, repository)
}

// WithContext returns a logger carrying the run id and repository found in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()
	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		logger = logger.With(slog.String("run_id", runID))
	}
	if repo, ok := ctx.Value(repositoryKey).(string); ok && repo != "" {
		logger = logger.With(slog.String("repository", repo))
	}
	return logger
}
