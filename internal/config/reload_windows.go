//go:build windows

package config

import "os"

// No SIGHUP on Windows; the returned nil channel never fires and the file
// watcher is the only trigger.
func hangupSignals() (<-chan os.Signal, func()) {
	return nil, func() {}
}
