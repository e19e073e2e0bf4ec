// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/clusterio/clusterio-sub000/lib/protocol"

// PermissionFunc decides whether principal may subscribe to an event.
// It receives the event name in request.EventName.
type PermissionFunc func(principal string, request protocol.SubscriptionRequest) error

// Register binds every schema type in registry. permission, if not
// nil, guards subscriptions to all broadcast events.
func Register(registry *protocol.Registry, permission PermissionFunc) error {
	check := (func(string, protocol.SubscriptionRequest) error)(permission)

	registrations := []func() error{
		func() error {
			return protocol.Register(registry, protocol.EventSpec[HostUpdates]{Name: EventHostUpdates, Permission: check})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceUpdates]{Name: EventInstanceUpdates, Permission: check})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceStatusChanged]{
				Name: EventInstanceStatus,
				Channel: func(event InstanceStatusChanged) (protocol.Channel, bool) {
					return protocol.IntChannel(event.InstanceID), true
				},
				Permission: check,
			})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[MetadataUpdates]{Name: EventMetadataUpdates, Permission: check})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceDetails]{Name: ValueInstanceDetails})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceSetRequest]{Name: RequestInstanceSet})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceDeleteRequest]{Name: RequestInstanceDelete})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[InstanceStatusReport]{Name: RequestInstanceStatusReport})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[MetadataSetRequest]{Name: RequestMetadataSet})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[MetadataDeleteRequest]{Name: RequestMetadataDelete})
		},
		func() error {
			return protocol.Register(registry, protocol.EventSpec[HostDeleteRequest]{Name: RequestHostDelete})
		},
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}
