// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/datastore"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/schema"
	"github.com/clusterio/clusterio-sub000/lib/subscription"
	"github.com/clusterio/clusterio-sub000/lib/version"
	"github.com/clusterio/clusterio-sub000/transport"
)

// controllerAddress is the controller's end of every link.
var controllerAddress = protocol.Address{Kind: protocol.AddressController, ID: 0}

// controllerConfig configures a Controller.
type controllerConfig struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	Providers providers

	// Registerer receives the broker and controller collectors.
	Registerer prometheus.Registerer

	// Permissions maps an event name to the principals allowed to
	// subscribe. Unlisted events are open.
	Permissions func(event, principal string) bool

	ReplayTimeout   time.Duration
	ProviderTimeout time.Duration

	// Link is the template for links accepted from agents.
	Link link.Config
}

// Controller wires the stores to the subscription broker and serves
// agent requests.
type Controller struct {
	clock    clock.Clock
	logger   *slog.Logger
	registry *protocol.Registry
	broker   *subscription.Broker
	metrics  *controllerMetrics
	allowed  func(event, principal string) bool
	linkBase link.Config

	// mu serializes all store access. Store observers, and so the
	// broadcasts they trigger, run with mu held.
	mu        sync.Mutex
	hosts     *datastore.RecordStore[int64, schema.HostDetails]
	instances *datastore.RecordStore[int64, schema.InstanceDetails]
	metadata  *datastore.Store[string, string]
	// metadataUpdatedAt is the time of the last metadata change.
	metadataUpdatedAt int64
	// hostLinks counts open links per host id.
	hostLinks map[int64]int
}

func newController(config controllerConfig) (*Controller, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}
	if config.Permissions == nil {
		config.Permissions = func(string, string) bool { return true }
	}

	c := &Controller{
		clock:     config.Clock,
		logger:    config.Logger,
		registry:  protocol.NewRegistry(),
		metrics:   newControllerMetrics(config.Registerer),
		allowed:   config.Permissions,
		hostLinks: make(map[int64]int),
	}
	if err := schema.Register(c.registry, c.checkPermission); err != nil {
		return nil, fmt.Errorf("registering schema: %w", err)
	}

	c.broker = subscription.NewBroker(subscription.BrokerConfig{
		Registry:      c.registry,
		Clock:         config.Clock,
		Logger:        config.Logger.With("component", "broker"),
		ReplayTimeout: config.ReplayTimeout,
		Metrics:       subscription.NewMetrics(config.Registerer),
	})
	replays := map[string]subscription.ReplayFunc{
		schema.EventHostUpdates:     c.replayHosts,
		schema.EventInstanceUpdates: c.replayInstances,
		schema.EventInstanceStatus:  nil,
		schema.EventMetadataUpdates: c.replayMetadata,
	}
	for _, name := range schema.Events {
		if err := c.broker.Register(name, replays[name]); err != nil {
			return nil, fmt.Errorf("registering %s with the broker: %w", name, err)
		}
	}

	storeOptions := datastore.Options{
		Clock:           config.Clock,
		Logger:          config.Logger.With("component", "datastore"),
		ProviderTimeout: config.ProviderTimeout,
	}
	c.hosts = datastore.NewRecordStore(config.Providers.hosts, storeOptions)
	c.instances = datastore.NewRecordStore(config.Providers.instances, storeOptions)
	c.metadata = datastore.NewStore(config.Providers.metadata, storeOptions)

	c.hosts.Observe(c.forwardHosts)
	c.instances.Observe(c.forwardInstances)
	c.metadata.Observe(c.forwardMetadata)

	config.Link.Registry = c.registry
	if config.Link.Clock == nil {
		config.Link.Clock = config.Clock
	}
	if config.Link.Logger == nil {
		config.Link.Logger = config.Logger.With("component", "link")
	}
	config.Link.Local = controllerAddress
	c.linkBase = config.Link
	return c, nil
}

// Registry returns the registry every controller link uses.
func (c *Controller) Registry() *protocol.Registry { return c.registry }

// Load reads all three stores from their providers.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hosts.Load(ctx); err != nil {
		return fmt.Errorf("loading hosts: %w", err)
	}
	if err := c.instances.Load(ctx); err != nil {
		return fmt.Errorf("loading instances: %w", err)
	}
	if err := c.metadata.Load(ctx); err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}
	// Loaded metadata is newer than anything a client has seen. An
	// empty store has nothing to replay.
	c.metadataUpdatedAt = 0
	if c.metadata.Len() > 0 {
		c.metadataUpdatedAt = clock.UnixMilli(c.clock)
	}
	c.recordSizesLocked()
	c.logger.Info("stores loaded",
		"hosts", c.hosts.Len(),
		"instances", c.instances.Len(),
		"metadata", c.metadata.Len(),
	)
	return nil
}

// Save writes every dirty store. A failing store does not stop the
// others; all failures are returned together.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stores := []struct {
		name string
		save func(context.Context) error
	}{
		{"hosts", c.hosts.Save},
		{"instances", c.instances.Save},
		{"metadata", c.metadata.Save},
	}
	var errs []error
	for _, store := range stores {
		if err := store.save(ctx); err != nil {
			c.metrics.saves.WithLabelValues(store.name, "error").Inc()
			errs = append(errs, fmt.Errorf("saving %s: %w", store.name, err))
			continue
		}
		c.metrics.saves.WithLabelValues(store.name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Dirty reports whether any store has unsaved changes.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosts.State() == datastore.Dirty ||
		c.instances.State() == datastore.Dirty ||
		c.metadata.State() == datastore.Dirty
}

// checkPermission applies the configured subscription permissions.
func (c *Controller) checkPermission(principal string, request protocol.SubscriptionRequest) error {
	if c.allowed(request.EventName, principal) {
		return nil
	}
	return fmt.Errorf("%w: %q may not subscribe to %s", protocol.ErrPermission, principal, request.EventName)
}

// Accept builds the link configuration for a connecting agent.
func (c *Controller) Accept(hello transport.Hello) (link.Config, error) {
	switch hello.Address.Kind {
	case protocol.AddressHost:
		if hello.Address.ID <= 0 {
			return link.Config{}, fmt.Errorf("host id must be positive, got %d", hello.Address.ID)
		}
	case protocol.AddressControl:
	default:
		return link.Config{}, fmt.Errorf("cannot accept a link from a %q endpoint", hello.Address.Kind)
	}
	if hello.Principal == "" {
		return link.Config{}, errors.New("principal is required")
	}
	if !version.Compatible(hello.Version) {
		c.logger.Warn("agent version differs from controller",
			"principal", hello.Principal,
			"agent_version", hello.Version,
			"controller_version", version.Short(),
		)
	}

	config := c.linkBase
	config.Principal = hello.Principal
	config.Remote = hello.Address
	return config, nil
}

// OnLink prepares a new link: subscription handling, request handlers,
// and host connection tracking.
func (c *Controller) OnLink(l *link.Link, hello transport.Hello) {
	if err := c.broker.Attach(l); err != nil {
		c.logger.Error("attaching broker", "link", l.String(), "error", err)
		l.Close()
		return
	}
	for name, handler := range c.requestHandlers() {
		if err := l.Handle(name, c.serve(l, handler)); err != nil {
			c.logger.Error("installing request handler", "request", name, "error", err)
			l.Close()
			return
		}
	}

	remote := l.Remote()
	kind := string(remote.Kind)
	c.metrics.links.WithLabelValues(kind).Inc()
	if remote.Kind == protocol.AddressHost {
		c.hostConnected(remote.ID, hello.Name, hello.Version)
	}
	// A link can close inside a broadcast, which runs with mu held, so
	// the disconnect is recorded from another goroutine.
	l.Observe(link.EventClose, func(link.Event) {
		c.metrics.links.WithLabelValues(kind).Dec()
		if remote.Kind == protocol.AddressHost {
			go c.hostDisconnected(remote.ID)
		}
	})
}

// hostConnected marks the host connected, creating its record on
// first contact.
func (c *Controller) hostConnected(id int64, name, agentVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostLinks[id]++

	host, ok := c.hosts.Get(id)
	if !ok {
		host = schema.HostDetails{ID: id, Name: fmt.Sprintf("host-%d", id)}
	}
	if name != "" {
		host.Name = name
	}
	host.Connected = true
	host.Version = agentVersion
	c.hosts.Set(host)
	c.recordSizesLocked()
}

// hostDisconnected marks the host disconnected once its last link
// closes.
func (c *Controller) hostDisconnected(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostLinks[id]--
	if c.hostLinks[id] > 0 {
		return
	}
	delete(c.hostLinks, id)

	host, ok := c.hosts.Get(id)
	if !ok || !host.Connected {
		return
	}
	host.Connected = false
	c.hosts.Set(host)
}

func (c *Controller) recordSizesLocked() {
	c.metrics.records.WithLabelValues("hosts").Set(float64(c.hosts.Len()))
	c.metrics.records.WithLabelValues("instances").Set(float64(c.instances.Len()))
	c.metrics.records.WithLabelValues("metadata").Set(float64(c.metadata.Len()))
}
