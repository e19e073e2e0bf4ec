// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the controller and
// agent binaries: reporting a fatal error before the structured logger
// exists, and a context that ends on SIGINT or SIGTERM.
//
// Binaries keep main() to a call of run() and hand its error to
// [Fatal]. Everything after logger construction logs through slog.
package process
