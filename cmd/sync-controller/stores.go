// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/datastore"
	"github.com/clusterio/clusterio-sub000/lib/schema"
)

// Store file names inside the data directory.
const (
	hostsFile     = "hosts.json"
	instancesFile = "instances.json"
	metadataFile  = "metadata.json"
)

// providers are the persistence backends of the three stores.
type providers struct {
	hosts     datastore.Provider[int64, schema.HostDetails]
	instances datastore.Provider[int64, schema.InstanceDetails]
	metadata  datastore.Provider[string, string]
}

// fileProviders returns JSON file providers rooted at dataDir.
func fileProviders(dataDir string, clk clock.Clock, logger *slog.Logger) providers {
	return providers{
		hosts: datastore.NewJSONArrayProvider(filepath.Join(dataDir, hostsFile), datastore.JSONOptions[int64, schema.HostDetails]{
			Clock:    clk,
			Logger:   logger,
			Finalize: finalizeHost,
		}),
		instances: datastore.NewJSONArrayProvider(filepath.Join(dataDir, instancesFile), datastore.JSONOptions[int64, schema.InstanceDetails]{
			Clock:   clk,
			Logger:  logger,
			Migrate: migrateInstances,
		}),
		metadata: datastore.NewJSONObjectProvider(filepath.Join(dataDir, metadataFile), datastore.JSONOptions[string, string]{
			Clock:  clk,
			Logger: logger,
		}),
	}
}

// memoryProviders returns empty in-memory providers.
func memoryProviders() providers {
	return providers{
		hosts:     datastore.NewMemoryProvider[int64, schema.HostDetails](nil),
		instances: datastore.NewMemoryProvider[int64, schema.InstanceDetails](nil),
		metadata:  datastore.NewMemoryProvider[string, string](nil),
	}
}

// finalizeHost decodes a persisted host. No link survives a restart,
// so every host loads disconnected.
func finalizeHost(id int64, raw json.RawMessage, _ map[int64]schema.HostDetails) (schema.HostDetails, error) {
	var host schema.HostDetails
	if err := json.Unmarshal(raw, &host); err != nil {
		return host, err
	}
	if host.ID != id {
		return host, fmt.Errorf("host id %d does not match key %d", host.ID, id)
	}
	host.Connected = false
	return host, nil
}

// legacyInstanceFields maps field names written by older controllers
// to their current names.
var legacyInstanceFields = map[string]string{
	"assigned_slave": "assigned_host",
}

// migrateInstances rewrites legacy instance fields. Documents without
// legacy fields pass through unchanged.
func migrateInstances(document []byte) ([]byte, error) {
	var instances []map[string]json.RawMessage
	if err := json.Unmarshal(document, &instances); err != nil {
		// Leave structural errors to the array reader, which reports
		// them with context.
		return document, nil
	}

	migrated := false
	for _, instance := range instances {
		for legacy, current := range legacyInstanceFields {
			value, ok := instance[legacy]
			if !ok {
				continue
			}
			delete(instance, legacy)
			if _, exists := instance[current]; !exists {
				instance[current] = value
			}
			migrated = true
		}
	}
	if !migrated {
		return document, nil
	}
	return json.Marshal(instances)
}
