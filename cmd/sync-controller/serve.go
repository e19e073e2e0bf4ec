// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/config"
	"github.com/clusterio/clusterio-sub000/transport"
)

// server runs the controller's listener and autosave loop.
type server struct {
	config     *config.Config
	controller *Controller
	gatherer   prometheus.Gatherer
	clock      clock.Clock
	logger     *slog.Logger

	handler  *transport.WebSocketHandler
	listener transport.Listener
}

func newServer(cfg *config.Config, controller *Controller, gatherer prometheus.Gatherer, listener transport.Listener, clk clock.Clock, logger *slog.Logger) (*server, error) {
	compression, err := transport.ParseCompression(cfg.Link.Compression)
	if err != nil {
		return nil, err
	}
	handler := transport.NewWebSocketHandler(transport.ServerConfig{
		Clock:   clk,
		Logger:  logger.With("component", "transport"),
		Address: controllerAddress,
		Accept:  controller.Accept,
		OnLink:  controller.OnLink,
		Compressor: transport.Compressor{
			Algorithm: compression,
			Threshold: cfg.Link.CompressionThreshold,
		},
		ResumeTimeout: cfg.Link.ResumeTimeout,
	})
	return &server{
		config:     cfg,
		controller: controller,
		gatherer:   gatherer,
		clock:      clk,
		logger:     logger,
		handler:    handler,
		listener:   listener,
	}, nil
}

// mux routes the websocket endpoint and, when configured, metrics.
func (s *server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Listen.Path, s.handler)
	if s.config.Listen.MetricsPath != "" {
		mux.Handle(s.config.Listen.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// run serves until ctx is cancelled or the listener fails, then closes
// every link and saves the stores one last time.
func (s *server) run(ctx context.Context) error {
	s.logger.Info("controller listening",
		"address", s.listener.Address(),
		"path", s.config.Listen.Path,
		"metrics_path", s.config.Listen.MetricsPath,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.listener.Serve(groupCtx, s.mux())
	})
	group.Go(func() error {
		s.autosave(groupCtx)
		return nil
	})
	serveErr := group.Wait()

	s.handler.Close()

	// The parent context is already cancelled; the final save gets its
	// own deadline.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Datastore.ProviderTimeout)
	defer cancel()
	saveErr := s.controller.Save(saveCtx)
	if saveErr != nil {
		s.logger.Error("final save failed", "error", saveErr)
	} else {
		s.logger.Info("stores saved")
	}
	return errors.Join(serveErr, saveErr)
}

// autosave saves dirty stores every AutosaveInterval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (s *server) autosave(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.Datastore.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.controller.Dirty() {
				continue
			}
			start := s.clock.Now()
			if err := s.controller.Save(ctx); err != nil {
				s.logger.Error("autosave failed", "error", err)
				continue
			}
			s.logger.Debug("autosaved", "duration", s.clock.Now().Sub(start).Round(time.Millisecond))
		}
	}
}
