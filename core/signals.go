package core

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals are the signals that start a graceful shutdown
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}

// notifyShutdown returns a channel that receives the first shutdown signal
// and a function that stops delivery
func notifyShutdown() (<-chan os.Signal, func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, shutdownSignals...)
	return signals, func() { signal.Stop(signals) }
}
