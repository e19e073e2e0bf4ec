// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/clusterio/clusterio-sub000/lib/codec"
)

type hostUpdate struct {
	ID   int64  `cbor:"id"`
	Name string `cbor:"name"`
}

type settingsChanged struct {
	Key string `cbor:"key"`
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := Register(registry, EventSpec[hostUpdate]{
		Name: "host.update",
		Channel: func(event hostUpdate) (Channel, bool) {
			return IntChannel(event.ID), true
		},
	}); err != nil {
		t.Fatalf("Register(host.update): %v", err)
	}
	if err := Register(registry, EventSpec[settingsChanged]{Name: "settings.changed"}); err != nil {
		t.Fatalf("Register(settings.changed): %v", err)
	}
	return registry
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := newTestRegistry(t)

	err := Register(registry, EventSpec[settingsChanged]{Name: "settings.other"})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("re-registering a type: err = %v, want ErrDuplicateRegistration", err)
	}

	type otherEvent struct{}
	err = Register(registry, EventSpec[otherEvent]{Name: "host.update"})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("re-registering a name: err = %v, want ErrDuplicateRegistration", err)
	}

	// The failed registrations must not have disturbed the originals.
	entry, ok := registry.Lookup("host.update")
	if !ok || entry.Type.Name() != "hostUpdate" {
		t.Errorf("host.update entry = %+v, %v", entry, ok)
	}
}

func TestRegistriesAreIsolated(t *testing.T) {
	first := newTestRegistry(t)
	second := NewRegistry()

	if _, ok := second.Lookup("host.update"); ok {
		t.Fatal("registration leaked between registries")
	}
	if _, ok := first.Lookup(SubscriptionRequestName); !ok {
		t.Fatal("built-in subscription request type missing")
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	registry := newTestRegistry(t)
	original := hostUpdate{ID: 5, Name: "alpha"}

	data, err := registry.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if envelope.Name != "host.update" {
		t.Errorf("envelope name = %q, want host.update", envelope.Name)
	}

	decoded, err := registry.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != original {
		t.Errorf("decoded = %#v, want %#v", decoded, original)
	}
}

func TestEncodeUnregisteredType(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Encode(struct{ X int }{X: 1})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}

	// Pointers are a distinct type from the registered value type.
	_, err = registry.Encode(&hostUpdate{ID: 1})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("pointer: err = %v, want ErrProtocol", err)
	}
}

func TestDecodeUnknownName(t *testing.T) {
	registry := newTestRegistry(t)

	data, err := codec.Marshal(Envelope{Name: "no.such.event", Payload: codec.Null()})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	_, err = registry.Decode(data)
	var protocolError *ProtocolError
	if !errors.As(err, &protocolError) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if protocolError.Name != "no.such.event" {
		t.Errorf("ProtocolError.Name = %q", protocolError.Name)
	}
}

func TestDecodeMalformed(t *testing.T) {
	registry := newTestRegistry(t)

	for _, data := range [][]byte{nil, {0xff}, {0x82, 0x01}} {
		if _, err := registry.Decode(data); !errors.Is(err, ErrProtocol) {
			t.Errorf("Decode(%x) err = %v, want ErrProtocol", data, err)
		}
	}

	// Registered name, payload of the wrong shape.
	data, err := codec.Marshal(Envelope{Name: "host.update", Payload: mustMarshal(t, "not a map")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := registry.Decode(data); !errors.Is(err, ErrProtocol) {
		t.Errorf("wrong payload shape: err = %v, want ErrProtocol", err)
	}
}

func TestOptionalEncoding(t *testing.T) {
	registry := newTestRegistry(t)

	data, err := registry.EncodeOptional(nil)
	if err != nil {
		t.Fatalf("EncodeOptional(nil): %v", err)
	}
	if !codec.IsNull(data) {
		t.Errorf("EncodeOptional(nil) = %x, want null", data)
	}
	value, err := registry.DecodeOptional(data)
	if err != nil || value != nil {
		t.Errorf("DecodeOptional(null) = %v, %v", value, err)
	}

	data, err = registry.EncodeOptional(settingsChanged{Key: "motd"})
	if err != nil {
		t.Fatalf("EncodeOptional: %v", err)
	}
	value, err = registry.DecodeOptional(data)
	if err != nil {
		t.Fatalf("DecodeOptional: %v", err)
	}
	if value != (settingsChanged{Key: "motd"}) {
		t.Errorf("value = %#v", value)
	}
}

func TestChannelAccessor(t *testing.T) {
	registry := newTestRegistry(t)

	entry, err := registry.EntryOf(hostUpdate{ID: 7})
	if err != nil {
		t.Fatalf("EntryOf: %v", err)
	}
	if !entry.HasChannel() {
		t.Fatal("host.update has no channel accessor")
	}
	channel, ok := entry.ChannelOf(hostUpdate{ID: 7})
	if !ok || channel != IntChannel(7) {
		t.Errorf("ChannelOf = %v, %v; want 7, true", channel, ok)
	}

	entry, _ = registry.Lookup("settings.changed")
	if _, ok := entry.ChannelOf(settingsChanged{}); ok {
		t.Error("event without accessor reported a channel")
	}
}

func TestCheckPermissionWrapsErrPermission(t *testing.T) {
	registry := NewRegistry()
	type guarded struct{}
	MustRegister(registry, EventSpec[guarded]{
		Name: "guarded",
		Permission: func(principal string, request SubscriptionRequest) error {
			if principal != "admin" {
				return fmt.Errorf("principal %q may not subscribe", principal)
			}
			return nil
		},
	})

	entry, _ := registry.Lookup("guarded")
	if err := entry.CheckPermission("admin", SubscriptionRequest{}); err != nil {
		t.Errorf("admin denied: %v", err)
	}
	if err := entry.CheckPermission("guest", SubscriptionRequest{}); !errors.Is(err, ErrPermission) {
		t.Errorf("guest: err = %v, want ErrPermission", err)
	}
}

func TestNameOf(t *testing.T) {
	registry := newTestRegistry(t)
	name, err := NameOf[hostUpdate](registry)
	if err != nil || name != "host.update" {
		t.Errorf("NameOf = %q, %v", name, err)
	}
	if _, err := NameOf[int](registry); !errors.Is(err, ErrProtocol) {
		t.Errorf("NameOf[int] err = %v, want ErrProtocol", err)
	}
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}
