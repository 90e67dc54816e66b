/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package metrics

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type ServerOpt func(*Server) error

const sockFileName = "metrics.sock"

type Server struct {
	listener net.Listener
	SockPath string
}

func WithSockPath(rootDir string) ServerOpt {
	return func(s *Server) error {
		s.SockPath = filepath.Join(rootDir, sockFileName)
		return nil
	}
}

func NewServer(opts ...ServerOpt) (*Server, error) {
	var s Server
	for _, o := range opts {
		if err := o(&s); err != nil {
			return nil, err
		}
	}

	if s.SockPath == "" {
		return nil, errors.New("metrics socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.SockPath), 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", filepath.Dir(s.SockPath))
	}
	if _, err := os.Stat(s.SockPath); err == nil {
		if err := os.Remove(s.SockPath); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("unix", s.SockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error listening on %s", s.SockPath)
	}
	s.listener = ln

	return &s, nil
}

// Serve exports Registry until stop is closed.
func (s *Server) Serve(ctx context.Context, stop <-chan struct{}) error {
	handler := promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := http.Server{
		Handler: mux,
	}

	errs, ctx := errgroup.WithContext(ctx)
	errs.Go(func() error {
		if err := server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	errs.Go(func() error {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		if err := server.Shutdown(context.Background()); err != nil {
			return errors.Wrap(err, "failed to shutdown metric server")
		}
		return nil
	})
	if err := errs.Wait(); err != nil {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
