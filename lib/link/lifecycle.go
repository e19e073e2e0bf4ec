// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import "fmt"

// State is the connection state of a Link.
type State int

const (
	// StateNew is a link that has never had a transport attached.
	StateNew State = iota
	// StateConnected is a link with a live transport.
	StateConnected
	// StateDropped is a link whose transport failed. Frames queue
	// until a transport is attached again or the link is closed.
	StateDropped
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDropped:
		return "dropped"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies a lifecycle transition.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDrop
	EventResume
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDrop:
		return "drop"
	case EventResume:
		return "resume"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to lifecycle observers. Err is the transport
// error for Drop and the close reason for Close (nil for an orderly
// close).
type Event struct {
	Kind EventKind
	Link *Link
	Err  error
}

type observer struct {
	id uint64
	fn func(Event)
}

// Observe registers fn for lifecycle events of the given kind and
// returns a function that cancels the registration. Observers run
// serially, never concurrently with each other, in transition order.
//
// Observing EventClose on a link that has already closed calls fn
// immediately (before Observe returns), so a close observer always
// fires exactly once.
func (l *Link) Observe(kind EventKind, fn func(Event)) (cancel func()) {
	l.observersMu.Lock()
	if kind == EventClose && l.closeDelivered {
		event := l.closeEvent
		l.observersMu.Unlock()
		fn(event)
		return func() {}
	}
	l.nextObserver++
	id := l.nextObserver
	l.observers[kind] = append(l.observers[kind], observer{id: id, fn: fn})
	l.observersMu.Unlock()

	return func() {
		l.observersMu.Lock()
		defer l.observersMu.Unlock()
		list := l.observers[kind]
		for i, entry := range list {
			if entry.id == id {
				l.observers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// emitLocked queues a lifecycle event. Caller holds l.mu and must call
// flushEvents after releasing it.
func (l *Link) emitLocked(kind EventKind, err error) {
	l.events = append(l.events, Event{Kind: kind, Link: l, Err: err})
}

// flushEvents delivers queued lifecycle events. Whichever goroutine
// holds emitMu drains the queue; an observer that triggers another
// transition has its event delivered after it returns.
func (l *Link) flushEvents() {
	for {
		if !l.emitMu.TryLock() {
			return
		}
		for {
			l.mu.Lock()
			if len(l.events) == 0 {
				l.mu.Unlock()
				break
			}
			event := l.events[0]
			l.events = l.events[1:]
			l.mu.Unlock()

			l.observersMu.Lock()
			targets := make([]observer, len(l.observers[event.Kind]))
			copy(targets, l.observers[event.Kind])
			if event.Kind == EventClose {
				l.closeDelivered = true
				l.closeEvent = event
				l.observers = make(map[EventKind][]observer)
			}
			l.observersMu.Unlock()

			for _, target := range targets {
				target.fn(event)
			}
		}
		l.emitMu.Unlock()

		l.mu.Lock()
		empty := len(l.events) == 0
		l.mu.Unlock()
		if empty {
			return
		}
	}
}
