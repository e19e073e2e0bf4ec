// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"strings"
)

// MaxErrorBodySize bounds ErrorBody reads. Error bodies are short
// diagnostics; a server that sends more is truncated.
const MaxErrorBodySize = 4 << 10

// ErrorBody reads an HTTP error response body and returns it as a
// trimmed string for error messages. Read errors are ignored: a
// partial or empty body is still useful.
func ErrorBody(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return strings.TrimSpace(string(data))
}
