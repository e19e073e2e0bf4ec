// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// HostUpdates is a batch of changed host records.
type HostUpdates struct {
	Updates []HostDetails `json:"updates"`
}

// Timestamp is the newest update time in the batch.
func (u HostUpdates) Timestamp() int64 {
	var newest int64
	for _, host := range u.Updates {
		newest = max(newest, host.UpdatedAt)
	}
	return newest
}

// InstanceUpdates is a batch of changed instance records.
type InstanceUpdates struct {
	Updates []InstanceDetails `json:"updates"`
}

// Timestamp is the newest update time in the batch.
func (u InstanceUpdates) Timestamp() int64 {
	var newest int64
	for _, instance := range u.Updates {
		newest = max(newest, instance.UpdatedAt)
	}
	return newest
}

// InstanceStatusChanged reports one instance's status.
type InstanceStatusChanged struct {
	InstanceID int64          `json:"instance_id"`
	HostID     int64          `json:"host_id,omitempty"`
	Status     InstanceStatus `json:"status"`
	UpdatedAt  int64          `json:"updated_at"`
}

func (s InstanceStatusChanged) Timestamp() int64 { return s.UpdatedAt }

// MetadataEntry is one controller metadata key. Deleted entries carry
// the value they had when removed.
type MetadataEntry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// MetadataUpdates is a batch of metadata changes, or the full
// metadata snapshot when sent as a replay.
type MetadataUpdates struct {
	Updates   []MetadataEntry `json:"updates"`
	UpdatedAt int64           `json:"updated_at"`
}

func (u MetadataUpdates) Timestamp() int64 { return u.UpdatedAt }
