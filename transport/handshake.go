// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clusterio/clusterio-sub000/lib/codec"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
)

// Hello is the first message a connecting peer sends. It is a plain
// CBOR message, not a link frame.
//
// Wire form: [session, received, principal, address, name, version].
type Hello struct {
	_ struct{} `cbor:",toarray"`

	// Session names the link to resume. Empty asks for a new link.
	Session string
	// Received is the number of data frames the connecting side has
	// received on that link. Ignored for new links.
	Received uint64
	// Principal is the identity permission checks run against.
	Principal string
	// Address is the connecting endpoint.
	Address protocol.Address
	// Name is a display name for the endpoint, such as a host name.
	Name string
	// Version is the connecting build's version.
	Version string
}

// Welcome answers a Hello.
//
// Wire form: [session, received, address, error].
type Welcome struct {
	_ struct{} `cbor:",toarray"`

	// Session is the link the connection now carries. It differs from
	// Hello.Session when the requested link no longer exists and a new
	// one was created.
	Session string
	// Received is the number of data frames the accepting side has
	// received on the link.
	Received uint64
	// Address is the accepting endpoint.
	Address protocol.Address
	// Error is set when the connection was refused. The accepting side
	// closes the connection after sending it.
	Error string
}

// ErrRejected marks a connection the controller refused during the
// handshake.
var ErrRejected = errors.New("connection rejected")

// DefaultHandshakeTimeout bounds the hello/welcome exchange.
const DefaultHandshakeTimeout = 10 * time.Second

func writeHandshake(conn *websocket.Conn, value any, timeout time.Duration) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", value, err)
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readHandshake(conn *websocket.Conn, value any, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.BinaryMessage {
		return fmt.Errorf("handshake: expected a binary message, got type %d", messageType)
	}
	if err := codec.Unmarshal(data, value); err != nil {
		return fmt.Errorf("decoding %T: %w", value, err)
	}
	return nil
}
