// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import "errors"

// ErrClosed is returned by operations on a closed link and fails every
// request still awaiting a response when the link closes.
var ErrClosed = errors.New("link closed")

// ErrQueueOverflow is the close reason of a link whose outbound queue
// (queued plus unacknowledged frames) reached Config.QueueSize.
var ErrQueueOverflow = errors.New("link outbound queue overflow")
