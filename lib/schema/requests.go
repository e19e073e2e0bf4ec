// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// InstanceSetRequest creates or replaces an instance record. The
// response is the stored InstanceDetails with its update time.
type InstanceSetRequest struct {
	Instance InstanceDetails `json:"instance"`
}

// InstanceDeleteRequest deletes an instance record.
type InstanceDeleteRequest struct {
	ID int64 `json:"id"`
}

// InstanceStatusReport is sent by the agent running an instance when
// its status changes. The controller records it and broadcasts
// EventInstanceStatus on the instance's channel.
type InstanceStatusReport struct {
	InstanceID int64          `json:"instance_id"`
	Status     InstanceStatus `json:"status"`
}

// MetadataSetRequest sets a controller metadata key.
type MetadataSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MetadataDeleteRequest removes a controller metadata key.
type MetadataDeleteRequest struct {
	Key string `json:"key"`
}

// HostDeleteRequest removes a host record. A connected host cannot be
// deleted.
type HostDeleteRequest struct {
	ID int64 `json:"id"`
}
