// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the values the controller and agents exchange:
// host and instance records, the change events broadcast to
// subscribers, and the requests agents send to mutate controller
// state.
//
// Event and request names (Event*, Request*) are the wire names bound
// in the [protocol.Registry] by [Register]. Broadcast events:
//
//   - [EventHostUpdates] -- batched host record changes, replayed by
//     update time
//   - [EventInstanceUpdates] -- batched instance record changes,
//     replayed by update time
//   - [EventInstanceStatus] -- one instance's status, channel = the
//     instance id
//   - [EventMetadataUpdates] -- controller metadata changes, replayed
//     as a full snapshot
//
// Records ([HostDetails], [InstanceDetails]) carry their own id, update
// time, and deletion flag so they can live in a datastore.RecordStore
// and travel as tombstones after deletion.
//
// This package depends only on the protocol package.
package schema
