// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/config"
	"github.com/clusterio/clusterio-sub000/lib/datastore"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/logging"
	"github.com/clusterio/clusterio-sub000/lib/process"
	"github.com/clusterio/clusterio-sub000/lib/version"
	"github.com/clusterio/clusterio-sub000/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("sync-controller", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $"+config.EnvVar+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("sync-controller %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	lock, err := datastore.LockDirectory(cfg.Paths.Data)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	clk := clock.Real()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	controller, err := newController(controllerConfig{
		Clock:           clk,
		Logger:          logger,
		Providers:       fileProviders(cfg.Paths.Data, clk, logger.With("component", "provider")),
		Registerer:      registry,
		Permissions:     cfg.Subscriptions.Allowed,
		ReplayTimeout:   cfg.Subscriptions.ReplayTimeout,
		ProviderTimeout: cfg.Datastore.ProviderTimeout,
		Link: link.Config{
			QueueSize:      cfg.Link.QueueSize,
			AckDelay:       cfg.Link.AckDelay,
			RequestTimeout: cfg.Link.RequestTimeout,
		},
	})
	if err != nil {
		return err
	}
	if err := controller.Load(ctx); err != nil {
		return err
	}

	listener, err := transport.NewTCPListener(cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	defer listener.Close()

	server, err := newServer(cfg, controller, registry, listener, clk, logger)
	if err != nil {
		return err
	}
	logger.Info("controller starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"data", cfg.Paths.Data,
	)
	return server.run(ctx)
}
