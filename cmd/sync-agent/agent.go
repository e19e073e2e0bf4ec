// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/schema"
	"github.com/clusterio/clusterio-sub000/lib/subscription"
)

// agentConfig configures an Agent.
type agentConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Instances are the instance ids whose status changes the agent
	// follows on the instance.status channel.
	Instances []int64
}

// Agent mirrors the controller's stores through subscriptions. The
// callbacks are registered once; every new link re-sends them and
// catches up through the replay.
type Agent struct {
	logger   *slog.Logger
	registry *protocol.Registry

	hosts     *subscription.Client[schema.HostUpdates]
	instances *subscription.Client[schema.InstanceUpdates]
	metadata  *subscription.Client[schema.MetadataUpdates]
	status    *subscription.Client[schema.InstanceStatusChanged]

	mu             sync.Mutex
	hostMirror     map[int64]schema.HostDetails
	instanceMirror map[int64]schema.InstanceDetails
	metadataMirror map[string]string

	// Newest update time applied per key, deletions included. A replay
	// can arrive after a live update it predates; older entries are
	// skipped.
	hostVersions     map[int64]int64
	instanceVersions map[int64]int64
	metadataVersions map[string]int64
}

func newAgent(config agentConfig) (*Agent, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	registry := protocol.NewRegistry()
	if err := schema.Register(registry, nil); err != nil {
		return nil, fmt.Errorf("registering schema: %w", err)
	}

	a := &Agent{
		logger:         config.Logger,
		registry:       registry,
		hostMirror:     make(map[int64]schema.HostDetails),
		instanceMirror: make(map[int64]schema.InstanceDetails),
		metadataMirror: make(map[string]string),

		hostVersions:     make(map[int64]int64),
		instanceVersions: make(map[int64]int64),
		metadataVersions: make(map[string]int64),
	}
	clientConfig := subscription.ClientConfig{Registry: registry, Clock: config.Clock, Logger: config.Logger}
	var err error
	if a.hosts, err = subscription.NewClient[schema.HostUpdates](clientConfig); err != nil {
		return nil, err
	}
	if a.instances, err = subscription.NewClient[schema.InstanceUpdates](clientConfig); err != nil {
		return nil, err
	}
	if a.metadata, err = subscription.NewClient[schema.MetadataUpdates](clientConfig); err != nil {
		return nil, err
	}
	if a.status, err = subscription.NewClient[schema.InstanceStatusChanged](clientConfig); err != nil {
		return nil, err
	}

	// No link is bound yet, so these only record the callbacks.
	ctx := context.Background()
	a.hosts.Subscribe(ctx, a.applyHosts)
	a.instances.Subscribe(ctx, a.applyInstances)
	a.metadata.Subscribe(ctx, a.applyMetadata)
	for _, id := range config.Instances {
		a.status.SubscribeToChannel(ctx, protocol.IntChannel(id), a.logStatus)
	}
	return a, nil
}

// Registry returns the registry the agent's links must use.
func (a *Agent) Registry() *protocol.Registry { return a.registry }

// OnLink binds the subscriptions to a new controller link once it
// connects. Lifecycle observers must not block, so the subscription
// requests are sent from their own goroutine.
func (a *Agent) OnLink(l *link.Link) {
	l.Observe(link.EventConnect, func(link.Event) {
		go a.bind(context.Background(), l)
	})
}

// bind points every client at l. Each client re-sends its subscription
// with the time of the last event it saw.
func (a *Agent) bind(ctx context.Context, l *link.Link) {
	binds := []struct {
		event   string
		connect func(context.Context, *link.Link) error
	}{
		{a.hosts.EventName(), a.hosts.ConnectControl},
		{a.instances.EventName(), a.instances.ConnectControl},
		{a.metadata.EventName(), a.metadata.ConnectControl},
		{a.status.EventName(), a.status.ConnectControl},
	}
	for _, bind := range binds {
		if err := bind.connect(ctx, l); err != nil {
			a.logger.Error("subscribing", "event", bind.event, "link", l.String(), "error", err)
		}
	}
	a.logger.Info("subscriptions bound",
		"link", l.String(),
		"hosts_since", a.hosts.LastResponseTime(),
		"instances_since", a.instances.LastResponseTime(),
	)
}

func (a *Agent) applyHosts(event schema.HostUpdates) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, host := range event.Updates {
		if !advance(a.hostVersions, host.ID, host.UpdatedAt) {
			continue
		}
		if host.Deleted {
			delete(a.hostMirror, host.ID)
			a.logger.Info("host deleted", "host", host.ID)
			continue
		}
		a.hostMirror[host.ID] = host
		a.logger.Info("host updated", "host", host.ID, "name", host.Name, "connected", host.Connected)
	}
}

func (a *Agent) applyInstances(event schema.InstanceUpdates) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, instance := range event.Updates {
		if !advance(a.instanceVersions, instance.ID, instance.UpdatedAt) {
			continue
		}
		if instance.Deleted {
			delete(a.instanceMirror, instance.ID)
			a.logger.Info("instance deleted", "instance", instance.ID)
			continue
		}
		a.instanceMirror[instance.ID] = instance
		a.logger.Info("instance updated",
			"instance", instance.ID,
			"name", instance.Name,
			"host", instance.AssignedHost,
			"status", instance.Status,
		)
	}
}

// applyMetadata merges an update batch. Replays carry live keys only,
// so a key deleted while the agent was away stays until it is set
// again.
func (a *Agent) applyMetadata(event schema.MetadataUpdates) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range event.Updates {
		if !advance(a.metadataVersions, entry.Key, event.UpdatedAt) {
			continue
		}
		if entry.Deleted {
			delete(a.metadataMirror, entry.Key)
			continue
		}
		a.metadataMirror[entry.Key] = entry.Value
	}
	a.logger.Info("metadata updated", "entries", len(event.Updates), "keys", len(a.metadataMirror))
}

// advance records at as the newest update time of key and reports
// whether the update should be applied.
func advance[K comparable](versions map[K]int64, key K, at int64) bool {
	if at < versions[key] {
		return false
	}
	versions[key] = at
	return true
}

func (a *Agent) logStatus(event schema.InstanceStatusChanged) {
	a.logger.Info("instance status",
		"instance", event.InstanceID,
		"host", event.HostID,
		"status", event.Status,
	)
}

// Hosts returns a copy of the mirrored host records.
func (a *Agent) Hosts() map[int64]schema.HostDetails {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.hostMirror)
}

// Instances returns a copy of the mirrored instance records.
func (a *Agent) Instances() map[int64]schema.InstanceDetails {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.instanceMirror)
}

// Metadata returns a copy of the mirrored metadata.
func (a *Agent) Metadata() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.metadataMirror)
}
