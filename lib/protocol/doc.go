// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines what travels over a link: the event
// registry that binds Go types to stable wire names, the [name,
// payload] value envelope, the subscription request and response
// messages, channels, endpoint addresses, and the error taxonomy shared
// by links, brokers, and clients.
//
// A [Registry] is constructed once per process with [NewRegistry] and
// handed to every link, broker, and client that needs it. There is no
// package-level registry: two registries in one test binary are fully
// isolated. Types are bound with [Register]:
//
//	registry := protocol.NewRegistry()
//	err := protocol.Register(registry, protocol.EventSpec[schema.InstanceStatusChanged]{
//		Name:    "instance.status",
//		Channel: func(event schema.InstanceStatusChanged) (protocol.Channel, bool) {
//			return protocol.IntChannel(event.InstanceID), true
//		},
//	})
//
// Every registered value encodes as a two-element CBOR array [name,
// payload]. Decoding an unregistered name returns a [*ProtocolError];
// it never panics, so a bad frame aborts only the exchange it belongs
// to.
//
// # Errors
//
// Request-level failures cross the link as a (code, message) pair.
// [ErrorCode] maps a local error to its code and [RemoteError]
// rebuilds it on the requesting side, so errors.Is(err, ErrPermission)
// holds on both ends.
package protocol
