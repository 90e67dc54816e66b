/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/containerd/log"
)

var (
	once            sync.Once
	stop            chan struct{}
	shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
)

// SetupSignalHandler returns a channel closed on the first shutdown signal.
// A second signal exits the process.
func SetupSignalHandler() (stopCh <-chan struct{}) {
	once.Do(func() {
		stop = make(chan struct{})
		c := make(chan os.Signal, 2)
		signal.Notify(c, shutdownSignals...)
		go func() {
			sig := <-c
			log.L.Infof("received %s, shutting down", sig)
			close(stop)
			<-c
			os.Exit(1)
		}()
	})
	return stop
}

// WithStop derives a context canceled when stopCh is closed.
func WithStop(ctx context.Context, stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
