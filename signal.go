// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// shutdownListener returns a context whose done channel is closed when an
// interrupt signal is received, either from an OS signal such as SIGINT
// (Ctrl+C) or SIGTERM.  Repeated signals are logged but otherwise ignored
// since the shutdown is already in progress.
func shutdownListener() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-interruptChannel
		mrddLog.Infof("Received signal (%s).  Shutting down...", sig)
		cancel()

		for sig := range interruptChannel {
			mrddLog.Infof("Received signal (%s).  Already shutting down...",
				sig)
		}
	}()

	return ctx
}
