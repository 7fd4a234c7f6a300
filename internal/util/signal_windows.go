//go:build windows

package util

import (
	"os"
)

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal attempts graceful process termination.
// Windows has no SIGINT for child processes, so the capture process is
// killed once its context is cancelled and WaitDelay expires.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
