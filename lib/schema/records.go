// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// HostDetails is the controller's record of one agent host.
type HostDetails struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// Connected is true while the host has an open link to the
	// controller.
	Connected bool  `json:"connected"`
	UpdatedAt int64 `json:"updated_at"`
	Deleted   bool  `json:"is_deleted,omitempty"`
}

func (h HostDetails) RecordID() int64    { return h.ID }
func (h HostDetails) UpdatedAtMs() int64 { return h.UpdatedAt }
func (h HostDetails) IsDeleted() bool    { return h.Deleted }

// Stamped returns a copy with the update time and deletion flag set.
func (h HostDetails) Stamped(updatedAtMs int64, deleted bool) HostDetails {
	h.UpdatedAt = updatedAtMs
	h.Deleted = deleted
	return h
}

// InstanceStatus is the lifecycle state an agent reports for an
// instance.
type InstanceStatus string

const (
	StatusUnassigned InstanceStatus = "unassigned"
	StatusStopped    InstanceStatus = "stopped"
	StatusStarting   InstanceStatus = "starting"
	StatusRunning    InstanceStatus = "running"
	StatusStopping   InstanceStatus = "stopping"
	StatusUnknown    InstanceStatus = "unknown"
)

// Valid reports whether s is one of the defined statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusUnassigned, StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusUnknown:
		return true
	}
	return false
}

// InstanceDetails is the controller's record of one instance.
type InstanceDetails struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// AssignedHost is the id of the host running the instance, or 0.
	AssignedHost int64             `json:"assigned_host,omitempty"`
	Status       InstanceStatus    `json:"status"`
	Config       map[string]string `json:"config,omitempty"`
	UpdatedAt    int64             `json:"updated_at"`
	Deleted      bool              `json:"is_deleted,omitempty"`
}

func (i InstanceDetails) RecordID() int64    { return i.ID }
func (i InstanceDetails) UpdatedAtMs() int64 { return i.UpdatedAt }
func (i InstanceDetails) IsDeleted() bool    { return i.Deleted }

// Stamped returns a copy with the update time and deletion flag set.
func (i InstanceDetails) Stamped(updatedAtMs int64, deleted bool) InstanceDetails {
	i.UpdatedAt = updatedAtMs
	i.Deleted = deleted
	return i
}

// Validate checks the fields an agent may set.
func (i InstanceDetails) Validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("instance id must be positive, got %d", i.ID)
	}
	if i.Name == "" {
		return fmt.Errorf("instance %d: name is required", i.ID)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("instance %d: unknown status %q", i.ID, i.Status)
	}
	if i.AssignedHost < 0 {
		return fmt.Errorf("instance %d: assigned host must not be negative", i.ID)
	}
	return nil
}
