// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressKind names the role of a link endpoint.
type AddressKind string

const (
	AddressController AddressKind = "controller"
	AddressHost       AddressKind = "host"
	AddressInstance   AddressKind = "instance"
	AddressControl    AddressKind = "control"
)

// Address identifies one end of a link. Replay handlers receive the
// requester's address as the source and the broker's as the
// destination.
type Address struct {
	Kind AddressKind `cbor:"kind"`
	ID   int64       `cbor:"id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Kind, a.ID)
}

// ParseAddress parses the "kind:id" form produced by String.
func ParseAddress(s string) (Address, error) {
	kind, id, found := strings.Cut(s, ":")
	if !found {
		return Address{}, fmt.Errorf("address %q: expected kind:id", s)
	}
	switch AddressKind(kind) {
	case AddressController, AddressHost, AddressInstance, AddressControl:
	default:
		return Address{}, fmt.Errorf("address %q: unknown kind %q", s, kind)
	}
	number, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	return Address{Kind: AddressKind(kind), ID: number}, nil
}
