// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import "errors"

// ErrHandlerNotFound is returned when unsubscribing a handle that is
// not registered.
var ErrHandlerNotFound = errors.New("subscription handler not found")
