// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets time be injected. Links arm acknowledgement and
// request timers, the broker bounds replay handlers, datastores stamp
// records and bound provider calls, and the controller runs its
// autosave ticker, all through a [Clock] rather than the time package.
//
// Production code uses [Real]. Tests use [Fake], whose time moves only
// when Advance is called. Use WaitForTimers before Advance when the
// timer is armed by another goroutine:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker(fake)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
