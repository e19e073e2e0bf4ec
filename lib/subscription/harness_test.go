// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clusterio/clusterio-sub000/lib/link"
	"github.com/clusterio/clusterio-sub000/lib/link/linktest"
	"github.com/clusterio/clusterio-sub000/lib/protocol"
	"github.com/clusterio/clusterio-sub000/lib/testutil"
)

type hostUpdate struct {
	ID        int64  `cbor:"id"`
	Name      string `cbor:"name"`
	UpdatedAt int64  `cbor:"updated_at"`
}

func (h hostUpdate) Timestamp() int64 { return h.UpdatedAt }

// flush is broadcast to every subscriber after the events under test.
// Links are FIFO, so once a subscriber sees it, it has seen everything
// broadcast before.
type flush struct {
	Seq int `cbor:"seq"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	t        *testing.T
	registry *protocol.Registry
	broker   *Broker

	mu       sync.Mutex
	requests []protocol.SubscriptionRequest
	hostID   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, registry: protocol.NewRegistry()}
	protocol.MustRegister(h.registry, protocol.EventSpec[hostUpdate]{
		Name: "host.update",
		Channel: func(event hostUpdate) (protocol.Channel, bool) {
			return protocol.IntChannel(event.ID), true
		},
		Permission: func(principal string, request protocol.SubscriptionRequest) error {
			h.mu.Lock()
			h.requests = append(h.requests, request)
			h.mu.Unlock()
			if principal == "guest" {
				return protocol.ErrPermission
			}
			return nil
		},
	})
	protocol.MustRegister(h.registry, protocol.EventSpec[flush]{Name: "flush"})

	h.broker = NewBroker(BrokerConfig{Registry: h.registry, Logger: testLogger()})
	if err := h.broker.Register("flush", nil); err != nil {
		t.Fatalf("Register(flush): %v", err)
	}
	return h
}

// connect returns a link pair whose A side is the controller end with
// the broker attached and whose B side is the agent end.
func (h *harness) connect(principal string) *linktest.Pair {
	h.t.Helper()
	h.mu.Lock()
	h.hostID++
	id := h.hostID
	h.mu.Unlock()

	controller := protocol.Address{Kind: protocol.AddressController}
	host := protocol.Address{Kind: protocol.AddressHost, ID: id}
	pair := linktest.New(
		link.Config{Registry: h.registry, Logger: testLogger(), AckDelay: time.Millisecond,
			Principal: principal, Local: controller, Remote: host},
		link.Config{Registry: h.registry, Logger: testLogger(), AckDelay: time.Millisecond,
			Local: host, Remote: controller},
	)
	h.t.Cleanup(pair.Close)
	if err := h.broker.Attach(pair.A); err != nil {
		h.t.Fatalf("Attach: %v", err)
	}
	return pair
}

func (h *harness) lastRequest() protocol.SubscriptionRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		h.t.Fatal("no subscription request reached the broker")
	}
	return h.requests[len(h.requests)-1]
}

func (h *harness) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// recorder collects host.update events and flush markers arriving on
// an agent link.
type recorder struct {
	events  chan hostUpdate
	flushes chan int
}

func record(t *testing.T, l *link.Link) *recorder {
	t.Helper()
	r := &recorder{events: make(chan hostUpdate, 1024), flushes: make(chan int, 16)}
	l.Handle("host.update", func(_ context.Context, value any) (any, error) {
		r.events <- value.(hostUpdate)
		return nil, nil
	})
	l.Handle("flush", func(_ context.Context, value any) (any, error) {
		r.flushes <- value.(flush).Seq
		return nil, nil
	})
	return r
}

// drain waits for flush marker seq and returns the ids of the events
// that arrived before it.
func (r *recorder) drain(t *testing.T, seq int) []int64 {
	t.Helper()
	got := testutil.RequireReceive(t, r.flushes, 5*time.Second, "flush %d", seq)
	if got != seq {
		t.Fatalf("flush marker %d, want %d", got, seq)
	}
	var ids []int64
	for {
		select {
		case event := <-r.events:
			ids = append(ids, event.ID)
		default:
			return ids
		}
	}
}

func subscribeAll(t *testing.T, h *harness, l *link.Link, name string) {
	t.Helper()
	request := protocol.NewSubscriptionRequest(name, true, nil, 0)
	if _, err := h.broker.HandleRequest(context.Background(), l, request); err != nil {
		t.Fatalf("subscribing to %s: %v", name, err)
	}
}
