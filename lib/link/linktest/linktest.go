// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package linktest connects pairs of links over an in-memory transport
// for tests, with explicit control over connection drops and resumes.
package linktest

import (
	"errors"
	"sync"

	"github.com/clusterio/clusterio-sub000/lib/link"
)

// ErrConnectionClosed is the Detach reason reported when a Pair's
// connection is dropped.
var ErrConnectionClosed = errors.New("linktest: connection closed")

// Pair is two links connected to each other.
type Pair struct {
	A *link.Link
	B *link.Link

	mu      sync.Mutex
	conn    *conn
	readers sync.WaitGroup
}

// New creates links from the two configs and connects them. Both links
// observe EventConnect before New returns.
func New(a, b link.Config) *Pair {
	pair := &Pair{A: link.New(a), B: link.New(b)}
	pair.connect()
	return pair
}

// Drop fails the connection between the links. When Drop returns both
// links are in StateDropped and frames in flight have been lost.
func (p *Pair) Drop() {
	p.mu.Lock()
	current := p.conn
	p.conn = nil
	p.mu.Unlock()
	if current == nil {
		return
	}
	current.close()
	p.readers.Wait()
}

// Resume reconnects the links after Drop, exchanging received counts
// the way a transport handshake does.
func (p *Pair) Resume() {
	p.Drop()
	p.connect()
}

// Close closes both links and the connection.
func (p *Pair) Close() {
	p.A.Close()
	p.B.Close()
	p.Drop()
}

func (p *Pair) connect() {
	c := &conn{
		aToB:   make(chan []byte, 4096),
		bToA:   make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()

	sideA := &transport{conn: c, out: c.aToB}
	sideB := &transport{conn: c, out: c.bToA}
	aReceived := p.A.Received()
	bReceived := p.B.Received()

	p.readers.Add(2)
	go p.read(p.B, sideB, c.aToB, c.closed)
	go p.read(p.A, sideA, c.bToA, c.closed)

	p.A.Attach(sideA, bReceived)
	p.B.Attach(sideB, aReceived)
}

func (p *Pair) read(l *link.Link, t *transport, in <-chan []byte, closed <-chan struct{}) {
	defer p.readers.Done()
	for {
		select {
		case data := <-in:
			l.Receive(data)
		case <-closed:
			l.Detach(t, ErrConnectionClosed)
			return
		}
	}
}

type conn struct {
	aToB   chan []byte
	bToA   chan []byte
	once   sync.Once
	closed chan struct{}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

type transport struct {
	conn *conn
	out  chan<- []byte
}

func (t *transport) WriteFrame(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case <-t.conn.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	case <-t.conn.closed:
		return ErrConnectionClosed
	}
}

func (t *transport) Close() error {
	t.conn.close()
	return nil
}
