// Package tlsutil terminates TLS on the gateway listener with a key pair
// that follows the files on disk, so rotated certificates take effect
// without a restart.
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Reloader serves the most recently loaded key pair through
// tls.Config.GetCertificate.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	debounce time.Duration

	cert atomic.Pointer[tls.Certificate]
}

// NewReloader loads the key pair once. A failure here is fatal to the
// caller; later reload failures keep the previous pair.
func NewReloader(certFile, keyFile string, logger *slog.Logger) (*Reloader, error) {
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		debounce: defaultDebounce,
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	return r, nil
}

// ServerConfig returns a tls.Config for http.Server.TLSConfig.
// minVersion is "1.2" or "1.3".
func (r *Reloader) ServerConfig(minVersion string) *tls.Config {
	v := uint16(tls.VersionTLS12)
	if minVersion == "1.3" {
		v = tls.VersionTLS13
	}
	return &tls.Config{
		MinVersion:     v,
		GetCertificate: r.GetCertificate,
	}
}

// GetCertificate implements the tls.Config callback.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// Reload re-reads the key pair from disk.
func (r *Reloader) Reload() error {
	if err := r.load(); err != nil {
		r.logger.Error("tls key pair reload failed, keeping current", "error", err, "cert_file", r.certFile)
		return err
	}
	r.logger.Info("tls key pair reloaded", "cert_file", r.certFile)
	return nil
}

// Run watches the directories holding the key pair and reloads on change
// until ctx is done. Directories are watched rather than the files so
// symlink swaps (as done by Kubernetes secret mounts) are seen.
func (r *Reloader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	watched := map[string]bool{
		filepath.Clean(r.certFile): true,
		filepath.Clean(r.keyFile):  true,
	}
	for _, dir := range uniqueDirs(r.certFile, r.keyFile) {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

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
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] && !ev.Has(fsnotify.Create) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() { r.Reload() }) //nolint:errcheck
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("tls watcher error", "error", err)
		}
	}
}

func (r *Reloader) load() error {
	pair, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}
	r.cert.Store(&pair)
	return nil
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]bool, len(paths))
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
