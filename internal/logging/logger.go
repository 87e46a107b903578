// Package logging provides config-driven categorized logging for chatrelay.
// Every category is a named child of a single zap root logger; categories
// switched off in config get a no-op logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config loading
	CategoryBrowser    Category = "browser"    // Driver connection, heartbeat
	CategoryConnection Category = "connection" // Tab resolution and invalidation
	CategoryLock       Category = "lock"       // Request queueing
	CategoryDetect     Category = "detect"     // Completion and stability polling
	CategoryExtract    Category = "extract"    // Extraction tiers
	CategorySession    Category = "session"    // Request orchestration
	CategoryServer     Category = "server"     // HTTP surface
)

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional; stderr when empty
	Categories map[string]bool // per-category toggles, missing = enabled
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*zap.Logger)
)

// Initialize builds the root logger from opts and installs it.
// Should be called once at startup; later calls replace the root.
func Initialize(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(opts.Format, "console") || strings.EqualFold(opts.Format, "text") {
		cfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = []string{opts.File}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	Install(logger, opts.Categories)
	return logger, nil
}

// Install replaces the root logger. Tests use it with zaptest or observer cores.
func Install(logger *zap.Logger, toggles map[string]bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	root = logger
	categories = toggles
	loggers = make(map[Category]*zap.Logger)
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabledLocked(category)
}

func isEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for the given category.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := zap.NewNop()
	if isEnabledLocked(category) {
		l = root.Named(string(category))
	}
	loggers[category] = l
	return l
}

// Or returns l when non-nil, otherwise the category logger.
func Or(l *zap.Logger, category Category) *zap.Logger {
	if l != nil {
		return l
	}
	return Get(category)
}

// Sync flushes the root logger.
func Sync() {
	mu.RLock()
	l := root
	mu.RUnlock()
	_ = l.Sync()
}

// Boot logs an informational boot message.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Infof(format, args...)
}

// BootWarn logs a boot warning.
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Warnf(format, args...)
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
