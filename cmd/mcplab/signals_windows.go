//go:build windows
// +build windows

package main

import (
	"os"
	"os/signal"
)

// setupSignalHandling routes Ctrl+C to sigChan; Windows has no SIGTERM
func setupSignalHandling(sigChan chan os.Signal) {
	signal.Notify(sigChan, os.Interrupt)
}
