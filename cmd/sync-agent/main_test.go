// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

func parseOptions(t *testing.T, args ...string) options {
	t.Helper()
	var opts options
	flagSet := pflag.NewFlagSet("sync-agent", pflag.ContinueOnError)
	opts.addFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return opts
}

func TestOptionsRepeatableInstances(t *testing.T) {
	opts := parseOptions(t, "--host-id", "3", "--name", "gamma", "--instance", "7", "--instance", "9,11")
	if err := opts.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(opts.instances) != 3 || opts.instances[0] != 7 || opts.instances[2] != 11 {
		t.Errorf("instances = %v", opts.instances)
	}
	if opts.principal != "gamma" {
		t.Errorf("principal = %q, want the host name", opts.principal)
	}
	if got := opts.address(); got != (protocol.Address{Kind: protocol.AddressHost, ID: 3}) {
		t.Errorf("address = %v", got)
	}
}

func TestOptionsControlClient(t *testing.T) {
	opts := parseOptions(t, "--principal", "admin")
	if err := opts.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := opts.address(); got.Kind != protocol.AddressControl {
		t.Errorf("address = %v, want a control address", got)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := map[string][]string{
		"negative host":    {"--host-id=-1", "--principal", "p"},
		"no principal":     {"--host-id", "1"},
		"empty controller": {"--controller", "", "--principal", "p"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			opts := parseOptions(t, args...)
			if err := opts.validate(); err == nil {
				t.Errorf("validate(%v) succeeded", args)
			}
		})
	}
}
