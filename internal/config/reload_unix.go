//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

func hangupSignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch, func() { signal.Stop(ch) }
}
