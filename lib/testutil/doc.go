// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by package tests.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout pattern so that tests waiting on goroutines never
// hang. [Eventually] polls a condition for state that settles
// asynchronously (subscriber counts after a close observer runs, for
// example). These helpers are the only place tests touch the real
// clock.
//
// [UniqueID] returns process-unique identifiers for names that must not
// collide between tests.
//
// All helpers fail the test with t.Fatalf instead of returning errors.
package testutil
