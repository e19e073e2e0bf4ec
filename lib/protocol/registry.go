// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/clusterio/clusterio-sub000/lib/codec"
)

// EventSpec describes a type being bound to a wire name.
type EventSpec[T any] struct {
	// Name is the stable wire name. Must be unique in the registry.
	Name string

	// Channel extracts the channel an event belongs to. Nil for events
	// that only reach subscribers of all channels. Return false when a
	// particular value carries no channel.
	Channel func(event T) (Channel, bool)

	// Permission is consulted before a subscribe request for this
	// event is honored. Nil allows everyone. Return an error wrapping
	// ErrPermission to deny.
	Permission func(principal string, request SubscriptionRequest) error
}

// Entry is a registered name/type binding.
type Entry struct {
	Name string
	Type reflect.Type

	decode     func(payload []byte) (any, error)
	channel    func(value any) (Channel, bool)
	permission func(principal string, request SubscriptionRequest) error
}

// HasChannel reports whether the entry has a channel accessor.
func (e *Entry) HasChannel() bool { return e.channel != nil }

// ChannelOf returns the channel carried by value. The second result is
// false for entries without an accessor or values without a channel.
func (e *Entry) ChannelOf(value any) (Channel, bool) {
	if e.channel == nil {
		return Channel{}, false
	}
	return e.channel(value)
}

// CheckPermission runs the entry's permission check, if any. Failures
// always wrap ErrPermission.
func (e *Entry) CheckPermission(principal string, request SubscriptionRequest) error {
	if e.permission == nil {
		return nil
	}
	err := e.permission(principal, request)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermission) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPermission, err)
}

// Registry is a bidirectional name↔type table. Safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Entry
	byType map[reflect.Type]*Entry
}

// SubscriptionRequestName is the wire name of SubscriptionRequest,
// registered by NewRegistry.
const SubscriptionRequestName = "subscription_request"

// NewRegistry returns a registry holding the built-in protocol types.
func NewRegistry() *Registry {
	registry := &Registry{
		byName: make(map[string]*Entry),
		byType: make(map[reflect.Type]*Entry),
	}
	MustRegister(registry, EventSpec[SubscriptionRequest]{Name: SubscriptionRequestName})
	return registry
}

// Register binds T to spec.Name. Fails with ErrDuplicateRegistration
// if either the name or the type is already bound.
func Register[T any](registry *Registry, spec EventSpec[T]) error {
	if spec.Name == "" {
		return fmt.Errorf("registering %v: empty name", reflect.TypeFor[T]())
	}

	entry := &Entry{
		Name: spec.Name,
		Type: reflect.TypeFor[T](),
		decode: func(payload []byte) (any, error) {
			var value T
			if err := codec.Unmarshal(payload, &value); err != nil {
				return nil, err
			}
			return value, nil
		},
		permission: spec.Permission,
	}
	if spec.Channel != nil {
		accessor := spec.Channel
		entry.channel = func(value any) (Channel, bool) {
			typed, ok := value.(T)
			if !ok {
				return Channel{}, false
			}
			return accessor(typed)
		}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, exists := registry.byName[spec.Name]; exists {
		return fmt.Errorf("%w: name %q already bound to %v", ErrDuplicateRegistration, spec.Name, existing.Type)
	}
	if existing, exists := registry.byType[entry.Type]; exists {
		return fmt.Errorf("%w: type %v already bound to %q", ErrDuplicateRegistration, entry.Type, existing.Name)
	}
	registry.byName[spec.Name] = entry
	registry.byType[entry.Type] = entry
	return nil
}

// MustRegister is Register for process initialization. Panics on
// error.
func MustRegister[T any](registry *Registry, spec EventSpec[T]) {
	if err := Register(registry, spec); err != nil {
		panic("protocol: " + err.Error())
	}
}

// Lookup returns the entry bound to name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byName[name]
	return entry, ok
}

// EntryOf returns the entry for value's dynamic type.
func (r *Registry) EntryOf(value any) (*Entry, error) {
	if value == nil {
		return nil, &ProtocolError{Reason: "nil value has no registered type"}
	}
	valueType := reflect.TypeOf(value)

	r.mu.RLock()
	entry, ok := r.byType[valueType]
	r.mu.RUnlock()
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("type %v is not registered", valueType)}
	}
	return entry, nil
}

// NameOf returns the wire name bound to T.
func NameOf[T any](registry *Registry) (string, error) {
	valueType := reflect.TypeFor[T]()

	registry.mu.RLock()
	entry, ok := registry.byType[valueType]
	registry.mu.RUnlock()
	if !ok {
		return "", &ProtocolError{Reason: fmt.Sprintf("type %v is not registered", valueType)}
	}
	return entry.Name, nil
}

// Envelope is the wire form of a registered value: [name, payload].
type Envelope struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Payload codec.RawMessage
}

// Encode returns the [name, payload] encoding of value.
func (r *Registry) Encode(value any) ([]byte, error) {
	entry, err := r.EntryOf(value)
	if err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %q payload: %w", entry.Name, err)
	}
	return codec.Marshal(Envelope{Name: entry.Name, Payload: payload})
}

// Decode turns a [name, payload] encoding back into a value of the
// registered type.
func (r *Registry) Decode(data []byte) (any, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}
	value, _, err := r.decodeEnvelope(envelope)
	return value, err
}

// DecodeNamed is Decode that also returns the entry the value was
// decoded with.
func (r *Registry) DecodeNamed(data []byte) (any, *Entry, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, nil, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}
	return r.decodeEnvelope(envelope)
}

func (r *Registry) decodeEnvelope(envelope Envelope) (any, *Entry, error) {
	entry, ok := r.Lookup(envelope.Name)
	if !ok {
		return nil, nil, &ProtocolError{Name: envelope.Name, Reason: "name is not registered"}
	}
	value, err := entry.decode(envelope.Payload)
	if err != nil {
		return nil, nil, &ProtocolError{Name: envelope.Name, Reason: fmt.Sprintf("decoding payload: %v", err)}
	}
	return value, entry, nil
}

// EncodeOptional is Encode that maps a nil value to CBOR null.
func (r *Registry) EncodeOptional(value any) ([]byte, error) {
	if value == nil {
		return codec.Null(), nil
	}
	return r.Encode(value)
}

// DecodeOptional is Decode that maps CBOR null to a nil value.
func (r *Registry) DecodeOptional(data []byte) (any, error) {
	if codec.IsNull(data) {
		return nil, nil
	}
	return r.Decode(data)
}
