package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// Reloader re-reads the config file on change or SIGHUP. Only the global
// rate limit and the log level are applied at runtime; everything else
// (services, auth, server, health, the window store) is fixed at startup
// and a change to it is logged as requiring a restart.
type Reloader struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
	}
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers fn to run with the effective config after each
// successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Reload loads and validates the file. On success the hot-reloadable
// settings are merged into the current config and callbacks run. On
// failure the current config is kept.
func (r *Reloader) Reload() error {
	loaded, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping current", "path", r.path, "error", err)
		return err
	}

	r.mu.Lock()
	old := r.current
	next := *old
	next.RateLimit.RequestsPerSecond = loaded.RateLimit.RequestsPerSecond
	next.RateLimit.BurstSize = loaded.RateLimit.BurstSize
	next.Logging.Level = loaded.Logging.Level
	r.current = &next
	callbacks := slices.Clone(r.callbacks)
	r.mu.Unlock()

	r.logApplied(old, &next)
	if pending := restartRequired(old, loaded); len(pending) > 0 {
		r.logger.Warn("config changes require a restart", "sections", pending)
	}

	for _, cb := range callbacks {
		cb(&next)
	}
	return nil
}

// Watch reloads on file changes and SIGHUP until ctx is done. The parent
// directory is watched so editors that replace the file by rename, and
// mounted volumes that swap symlinks, still trigger a reload.
func (r *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watching %s: %w", r.path, err)
	}
	hup, stopHup := hangupSignals()
	defer stopHup()

	r.logger.Info("config watcher started", "path", r.path)

	target := filepath.Clean(r.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			r.logger.Info("SIGHUP received, reloading config")
			r.Reload() //nolint:errcheck
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			// Editors emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() { r.Reload() }) //nolint:errcheck
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("config watcher error", "error", err)
		}
	}
}

func (r *Reloader) logApplied(old, next *Config) {
	if old.RateLimit.RequestsPerSecond != next.RateLimit.RequestsPerSecond ||
		old.RateLimit.BurstSize != next.RateLimit.BurstSize {
		r.logger.Info("global rate limit changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", next.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", next.RateLimit.BurstSize,
		)
	}
	if old.Logging.Level != next.Logging.Level {
		r.logger.Info("log level changed", "old", old.Logging.Level, "new", next.Logging.Level)
	}
}

// restartRequired names the top-level sections whose change cannot be
// applied to a running gateway.
func restartRequired(old, loaded *Config) []string {
	var sections []string
	if !reflect.DeepEqual(old.Server, loaded.Server) {
		sections = append(sections, "server")
	}
	if old.Auth != loaded.Auth {
		sections = append(sections, "auth")
	}
	if !reflect.DeepEqual(old.Services, loaded.Services) {
		sections = append(sections, "services")
	}
	if old.Health != loaded.Health {
		sections = append(sections, "health")
	}
	if old.RateLimit.Store != loaded.RateLimit.Store || old.RateLimit.Redis != loaded.RateLimit.Redis {
		sections = append(sections, "rate_limit.store")
	}
	if !reflect.DeepEqual(old.Admin, loaded.Admin) || !reflect.DeepEqual(old.CORS, loaded.CORS) {
		sections = append(sections, "admin/cors")
	}
	return sections
}
