// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/clusterio/clusterio-sub000/lib/clock"
	"github.com/clusterio/clusterio-sub000/lib/datastore"
	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/schema"
)

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("conflict")
)

// Store observers. They run inside the mutating call, with mu held.

func (c *Controller) forwardHosts(changes []datastore.Change[int64, schema.HostDetails]) {
	event := schema.HostUpdates{Updates: make([]schema.HostDetails, 0, len(changes))}
	for _, change := range changes {
		event.Updates = append(event.Updates, change.Value)
	}
	c.broadcast(event)
}

func (c *Controller) forwardInstances(changes []datastore.Change[int64, schema.InstanceDetails]) {
	event := schema.InstanceUpdates{Updates: make([]schema.InstanceDetails, 0, len(changes))}
	for _, change := range changes {
		event.Updates = append(event.Updates, change.Value)
	}
	c.broadcast(event)
}

func (c *Controller) forwardMetadata(changes []datastore.Change[string, string]) {
	c.metadataUpdatedAt = clock.UnixMilli(c.clock)
	event := schema.MetadataUpdates{
		Updates:   make([]schema.MetadataEntry, 0, len(changes)),
		UpdatedAt: c.metadataUpdatedAt,
	}
	for _, change := range changes {
		event.Updates = append(event.Updates, schema.MetadataEntry{
			Key:     change.Key,
			Value:   change.Value,
			Deleted: change.Deleted,
		})
	}
	c.broadcast(event)
}

func (c *Controller) broadcast(event any) {
	if err := c.broker.Broadcast(event); err != nil {
		c.logger.Error("broadcasting store change", "event_type", fmt.Sprintf("%T", event), "error", err)
	}
}

// Replay handlers. Each returns what changed after the request's last
// event time, or nil when nothing did.

func (c *Controller) replayHosts(ctx context.Context, request protocol.SubscriptionRequest, source, destination protocol.Address) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := c.hosts.UpdatedSince(request.LastRequestTime)
	if len(updates) == 0 {
		return nil, nil
	}
	return schema.HostUpdates{Updates: updates}, nil
}

func (c *Controller) replayInstances(ctx context.Context, request protocol.SubscriptionRequest, source, destination protocol.Address) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := c.instances.UpdatedSince(request.LastRequestTime)
	if len(updates) == 0 {
		return nil, nil
	}
	return schema.InstanceUpdates{Updates: updates}, nil
}

// replayMetadata sends the full metadata snapshot whenever metadata
// changed after the request's last event time.
func (c *Controller) replayMetadata(ctx context.Context, request protocol.SubscriptionRequest, source, destination protocol.Address) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if request.LastRequestTime >= c.metadataUpdatedAt {
		return nil, nil
	}
	event := schema.MetadataUpdates{
		Updates:   make([]schema.MetadataEntry, 0, c.metadata.Len()),
		UpdatedAt: c.metadataUpdatedAt,
	}
	for key, value := range c.metadata.All() {
		event.Updates = append(event.Updates, schema.MetadataEntry{Key: key, Value: value})
	}
	return event, nil
}

// requestHandler serves one request from the link it arrived on.
type requestHandler func(ctx context.Context, l *link.Link, request any) (any, error)

func (c *Controller) requestHandlers() map[string]requestHandler {
	return map[string]requestHandler{
		schema.RequestInstanceSet:          c.handleInstanceSet,
		schema.RequestInstanceDelete:       c.handleInstanceDelete,
		schema.RequestInstanceStatusReport: c.handleStatusReport,
		schema.RequestMetadataSet:          c.handleMetadataSet,
		schema.RequestMetadataDelete:       c.handleMetadataDelete,
		schema.RequestHostDelete:           c.handleHostDelete,
	}
}

// serve adapts a requestHandler to a link handler and logs failures.
func (c *Controller) serve(l *link.Link, handler requestHandler) link.HandlerFunc {
	return func(ctx context.Context, value any) (any, error) {
		result, err := handler(ctx, l, value)
		if err != nil {
			c.logger.Info("request failed",
				"link", l.String(),
				"request_type", fmt.Sprintf("%T", value),
				"error", err,
			)
		}
		return result, err
	}
}

func (c *Controller) handleInstanceSet(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.InstanceSetRequest)
	instance := request.Instance
	if instance.Status == "" {
		instance.Status = schema.StatusStopped
	}
	if err := instance.Validate(); err != nil {
		return nil, &protocol.ProtocolError{Name: schema.RequestInstanceSet, Reason: err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if instance.AssignedHost != 0 && !c.hosts.Has(instance.AssignedHost) {
		return nil, fmt.Errorf("%w: host %d", errNotFound, instance.AssignedHost)
	}
	if instance.AssignedHost == 0 {
		instance.Status = schema.StatusUnassigned
	}
	stored := c.instances.Set(instance)
	c.recordSizesLocked()
	return stored, nil
}

func (c *Controller) handleInstanceDelete(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.InstanceDeleteRequest)

	c.mu.Lock()
	defer c.mu.Unlock()
	instance, ok := c.instances.Get(request.ID)
	if !ok {
		return nil, fmt.Errorf("%w: instance %d", errNotFound, request.ID)
	}
	if instance.Status == schema.StatusRunning || instance.Status == schema.StatusStarting {
		return nil, fmt.Errorf("%w: instance %d is %s", errConflict, request.ID, instance.Status)
	}
	c.instances.Delete(request.ID)
	c.recordSizesLocked()
	return nil, nil
}

// handleStatusReport records a status reported by the host running the
// instance and broadcasts it on the instance's channel.
func (c *Controller) handleStatusReport(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.InstanceStatusReport)
	if !request.Status.Valid() {
		return nil, &protocol.ProtocolError{Name: schema.RequestInstanceStatusReport, Reason: fmt.Sprintf("unknown status %q", request.Status)}
	}
	remote := l.Remote()
	if remote.Kind != protocol.AddressHost {
		return nil, fmt.Errorf("%w: only hosts report instance status", protocol.ErrPermission)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	instance, ok := c.instances.Get(request.InstanceID)
	if !ok {
		return nil, fmt.Errorf("%w: instance %d", errNotFound, request.InstanceID)
	}
	if instance.AssignedHost != remote.ID {
		return nil, fmt.Errorf("%w: instance %d is not assigned to host %d", protocol.ErrPermission, request.InstanceID, remote.ID)
	}
	if instance.Status == request.Status {
		return nil, nil
	}
	instance.Status = request.Status
	stored := c.instances.Set(instance)
	c.broadcast(schema.InstanceStatusChanged{
		InstanceID: stored.ID,
		HostID:     remote.ID,
		Status:     stored.Status,
		UpdatedAt:  stored.UpdatedAt,
	})
	return nil, nil
}

func (c *Controller) handleMetadataSet(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.MetadataSetRequest)
	if request.Key == "" {
		return nil, &protocol.ProtocolError{Name: schema.RequestMetadataSet, Reason: "key is required"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.metadata.Get(request.Key); ok && current == request.Value {
		return nil, nil
	}
	c.metadata.Set(request.Key, request.Value)
	c.recordSizesLocked()
	return nil, nil
}

func (c *Controller) handleMetadataDelete(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.MetadataDeleteRequest)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata.Delete(request.Key)
	c.recordSizesLocked()
	return nil, nil
}

// handleHostDelete removes a disconnected host and unassigns its
// instances.
func (c *Controller) handleHostDelete(ctx context.Context, l *link.Link, value any) (any, error) {
	request := value.(schema.HostDeleteRequest)

	c.mu.Lock()
	defer c.mu.Unlock()
	host, ok := c.hosts.Get(request.ID)
	if !ok {
		return nil, fmt.Errorf("%w: host %d", errNotFound, request.ID)
	}
	if host.Connected || c.hostLinks[request.ID] > 0 {
		return nil, fmt.Errorf("%w: host %d is connected", errConflict, request.ID)
	}

	var orphaned []schema.InstanceDetails
	for _, instance := range c.instances.All() {
		if instance.AssignedHost == request.ID {
			instance.AssignedHost = 0
			instance.Status = schema.StatusUnassigned
			orphaned = append(orphaned, instance)
		}
	}
	if len(orphaned) > 0 {
		c.instances.SetMany(slices.Clip(orphaned))
	}
	c.hosts.Delete(request.ID)
	c.recordSizesLocked()
	return nil, nil
}
