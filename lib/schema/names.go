// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Broadcast event names. Agents subscribe to these through a
// subscription.Client.
const (
	// EventHostUpdates carries changed host records, tombstones
	// included. Replay: hosts updated after the request time.
	EventHostUpdates = "host.updates"

	// EventInstanceUpdates carries changed instance records,
	// tombstones included. Replay: instances updated after the request
	// time.
	EventInstanceUpdates = "instance.updates"

	// EventInstanceStatus carries one instance's status. Its channel is
	// the instance id, so an agent can follow individual instances.
	EventInstanceStatus = "instance.status"

	// EventMetadataUpdates carries changed controller metadata
	// entries. Replay: the full metadata snapshot.
	EventMetadataUpdates = "metadata.updates"
)

// Request names. Requests are answered by the controller on the link
// they arrive on.
const (
	RequestInstanceSet          = "instance.set"
	RequestInstanceDelete       = "instance.delete"
	RequestInstanceStatusReport = "instance.status_report"
	RequestMetadataSet          = "metadata.set"
	RequestMetadataDelete       = "metadata.delete"
	RequestHostDelete           = "host.delete"
)

// ValueInstanceDetails names a bare InstanceDetails value, the
// response to RequestInstanceSet.
const ValueInstanceDetails = "instance.details"

// Events lists every broadcast event name.
var Events = []string{
	EventHostUpdates,
	EventInstanceUpdates,
	EventInstanceStatus,
	EventMetadataUpdates,
}
