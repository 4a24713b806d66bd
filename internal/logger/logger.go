package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // txt, json
	FxLogs bool   // enable/disable fx framework logs
}

// LoadConfig loads logger configuration from environment variables
func LoadConfig() Config {
	return Config{
		Level:  getEnv("LOGGER_LEVEL", "info"),
		Format: getEnv("LOGGER_FORMAT", "txt"),
		FxLogs: getEnvBool("FX_LOGS", false),
	}
}

// Setup initializes the global slog logger
func Setup(cfg Config) {
	slog.SetDefault(slog.New(newHandler(os.Stdout, cfg)))
}

// SetupWithWriter initializes the logger with a custom writer (useful for testing)
func SetupWithWriter(cfg Config, w io.Writer) {
	slog.SetDefault(slog.New(newHandler(w, cfg)))
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}
