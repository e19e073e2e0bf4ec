// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.input)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", test.input, got, test.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func TestNewWriterFormats(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewWriter(&buffer, "info", FormatJSON)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible", "link", "host:1")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("output is not one JSON record: %v\n%s", err, buffer.String())
	}
	if record["msg"] != "visible" || record["link"] != "host:1" {
		t.Errorf("record = %v", record)
	}

	buffer.Reset()
	logger, err = NewWriter(&buffer, "debug", FormatText)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	logger.Debug("shown")
	if !strings.Contains(buffer.String(), "msg=shown") {
		t.Errorf("text output = %q", buffer.String())
	}
}

func TestNewWriterAutoUsesJSONForNonTerminal(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewWriter(&buffer, "", FormatAuto)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	logger.Info("piped")
	if !strings.HasPrefix(buffer.String(), "{") {
		t.Errorf("auto format on a buffer should be JSON, got %q", buffer.String())
	}
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("NewWriter accepted format xml")
	}
}
