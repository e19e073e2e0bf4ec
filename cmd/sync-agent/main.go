// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/logging"
	"github.com/clusterio/clusterio-sub000/lib/process"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/version"
	"github.com/clusterio/clusterio-sub000/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	controller  string
	hostID      int64
	name        string
	principal   string
	instances   []int64
	logLevel    string
	logFormat   string
	compression string
	showVersion bool
}

func (o *options) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.controller, "controller", "ws://localhost:8080/api/socket", "controller websocket URL")
	flagSet.Int64Var(&o.hostID, "host-id", 0, "connect as this host id (0 connects as a control client)")
	flagSet.StringVar(&o.name, "name", "", "host name reported to the controller")
	flagSet.StringVar(&o.principal, "principal", "", "principal the controller checks subscriptions against (default: the host name)")
	flagSet.Int64SliceVar(&o.instances, "instance", nil, "follow status changes of this instance id (repeatable)")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.StringVar(&o.logFormat, "log-format", logging.FormatAuto, "log format: auto, text, or json")
	flagSet.StringVar(&o.compression, "compression", "lz4", "frame compression: none, lz4, or zstd")
	flagSet.BoolVar(&o.showVersion, "version", false, "print version information and exit")
}

// address is the endpoint the agent identifies as.
func (o *options) address() protocol.Address {
	if o.hostID > 0 {
		return protocol.Address{Kind: protocol.AddressHost, ID: o.hostID}
	}
	return protocol.Address{Kind: protocol.AddressControl}
}

func (o *options) validate() error {
	if o.hostID < 0 {
		return fmt.Errorf("--host-id must not be negative, got %d", o.hostID)
	}
	if o.controller == "" {
		return errors.New("--controller is required")
	}
	if o.principal == "" {
		o.principal = o.name
	}
	if o.principal == "" {
		return errors.New("--principal or --name is required")
	}
	return nil
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("sync-agent", pflag.ContinueOnError)
	opts.addFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("sync-agent %s\n", version.Full())
		return nil
	}
	if err := opts.validate(); err != nil {
		return err
	}
	compression, err := transport.ParseCompression(opts.compression)
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	clk := clock.Real()
	agent, err := newAgent(agentConfig{
		Clock:     clk,
		Logger:    logger.With("component", "agent"),
		Instances: opts.instances,
	})
	if err != nil {
		return err
	}

	connector := transport.NewConnector(transport.ConnectorConfig{
		Clock:     clk,
		Logger:    logger.With("component", "transport"),
		URL:       opts.controller,
		Principal: opts.principal,
		Address:   opts.address(),
		Name:      opts.name,
		Link: link.Config{
			Registry: agent.Registry(),
			Clock:    clk,
			Logger:   logger.With("component", "link"),
		},
		OnLink:     agent.OnLink,
		Compressor: transport.Compressor{Algorithm: compression, Threshold: 1024},
	})

	logger.Info("agent starting",
		"version", version.Info(),
		"controller", opts.controller,
		"address", opts.address().String(),
		"instances", opts.instances,
	)
	return connector.Run(ctx)
}
