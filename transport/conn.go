// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clusterio/clusterio-sub000/lib/link"
)

// DefaultWriteTimeout bounds one websocket write. A peer that stops
// reading fails the write and the link drops instead of wedging its
// writer.
const DefaultWriteTimeout = 30 * time.Second

// wsTransport carries link frames over one websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	compressor   Compressor
	writeTimeout time.Duration
	closeOnce    sync.Once
}

var _ link.Transport = (*wsTransport)(nil)

func newTransport(conn *websocket.Conn, compressor Compressor, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(MaxFrameSize + 1 + 10)
	return &wsTransport{conn: conn, compressor: compressor, writeTimeout: writeTimeout}
}

// WriteFrame is called only from the link's writer goroutine.
func (t *wsTransport) WriteFrame(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, t.compressor.Encode(data))
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

// readLoop feeds inbound frames to l until the connection fails, then
// detaches t and returns the failure.
func (t *wsTransport) readLoop(l *link.Link) error {
	for {
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			l.Detach(t, err)
			return err
		}
		if messageType != websocket.BinaryMessage {
			err := fmt.Errorf("unexpected websocket message type %d", messageType)
			l.Detach(t, err)
			return err
		}
		frame, err := DecodeMessage(message)
		if err != nil {
			l.Detach(t, err)
			return err
		}
		l.Receive(frame)
	}
}
