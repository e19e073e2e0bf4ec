// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"sync"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/clusterio/clusterio-sub000/lib/clock"
)

// JSONOptions configures the JSON providers. Zero fields take
// defaults: the OS filesystem, the real clock, slog.Default, identity
// migration, and json.Unmarshal as the finalize step.
type JSONOptions[K Key, V any] struct {
	FS     FS
	Clock  clock.Clock
	Logger *slog.Logger

	// Migrate upgrades the whole document before entries are read. It
	// receives plain JSON (comments and trailing commas already
	// removed).
	Migrate func(document []byte) ([]byte, error)

	// Finalize builds the value for one entry. soFar holds the entries
	// finalized before this one, in file order, so an entry can
	// resolve references to earlier ones.
	Finalize func(key K, raw json.RawMessage, soFar map[K]V) (V, error)
}

// LoadReport describes the most recent Load of a JSON provider.
type LoadReport struct {
	// Entries is the number of entries in the file.
	Entries int
	// Collapsed is how many entries were lost to duplicate keys.
	Collapsed int
	// BackupPath is the backup written because of the collapse, if
	// any.
	BackupPath string
}

type rawEntry[K Key] struct {
	key   K
	value json.RawMessage
}

// jsonFile is the load/save pipeline shared by the object and array
// providers.
type jsonFile[K Key, V any] struct {
	path     string
	fs       FS
	clock    clock.Clock
	logger   *slog.Logger
	migrate  func([]byte) ([]byte, error)
	finalize func(K, json.RawMessage, map[K]V) (V, error)

	split  func(document []byte) ([]rawEntry[K], error)
	encode func(snapshot map[K]V) ([]byte, error)

	mu     sync.Mutex
	report LoadReport
}

func newJSONFile[K Key, V any](path string, options JSONOptions[K, V]) *jsonFile[K, V] {
	file := &jsonFile[K, V]{
		path:     path,
		fs:       options.FS,
		clock:    options.Clock,
		logger:   options.Logger,
		migrate:  options.Migrate,
		finalize: options.Finalize,
	}
	if file.fs == nil {
		file.fs = OS()
	}
	if file.clock == nil {
		file.clock = clock.Real()
	}
	if file.logger == nil {
		file.logger = slog.Default()
	}
	file.logger = file.logger.With("path", path)
	if file.finalize == nil {
		file.finalize = func(_ K, raw json.RawMessage, _ map[K]V) (V, error) {
			var value V
			err := json.Unmarshal(raw, &value)
			return value, err
		}
	}
	return file
}

func (f *jsonFile[K, V]) load(ctx context.Context) (map[K]V, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := f.fs.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.setReport(LoadReport{})
		return make(map[K]V), nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Path: f.path, Err: err}
	}

	document := jsonc.ToJSON(raw)
	if f.migrate != nil {
		document, err = f.migrate(document)
		if err != nil {
			return nil, &StorageError{Op: "migrate", Path: f.path, Err: err}
		}
	}

	entries, err := f.split(document)
	if err != nil {
		return nil, &StorageError{Op: "load", Path: f.path, Err: err}
	}

	result := make(map[K]V, len(entries))
	for _, entry := range entries {
		value, err := f.finalize(entry.key, entry.value, result)
		if err != nil {
			return nil, &StorageError{Op: "load", Path: f.path, Err: fmt.Errorf("entry %v: %w", entry.key, err)}
		}
		result[entry.key] = value
	}

	report := LoadReport{Entries: len(entries), Collapsed: len(entries) - len(result)}
	if report.Collapsed > 0 {
		backupPath := f.path + "." + strconv.FormatInt(clock.UnixMilli(f.clock), 10) + ".bak"
		if err := f.fs.WriteFile(backupPath, raw); err != nil {
			return nil, &StorageError{Op: "backup", Path: backupPath, Err: err}
		}
		report.BackupPath = backupPath
		f.logger.Warn("data integrity warning: duplicate entries collapsed",
			"entries", report.Entries,
			"unique", len(result),
			"backup", backupPath,
		)
	}
	f.setReport(report)
	return result, nil
}

func (f *jsonFile[K, V]) save(ctx context.Context, snapshot map[K]V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := f.encode(snapshot)
	if err != nil {
		return &StorageError{Op: "encode", Path: f.path, Err: err}
	}
	data = append(data, '\n')
	if err := writeAtomic(f.fs, f.path, data); err != nil {
		return &StorageError{Op: "save", Path: f.path, Err: err}
	}
	digest := blake3.Sum256(data)
	f.logger.Debug("saved snapshot",
		"entries", len(snapshot),
		"bytes", len(data),
		"blake3", hex.EncodeToString(digest[:]),
	)
	return nil
}

func (f *jsonFile[K, V]) setReport(report LoadReport) {
	f.mu.Lock()
	f.report = report
	f.mu.Unlock()
}

func (f *jsonFile[K, V]) lastLoad() LoadReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

// JSONObjectProvider persists a snapshot as one JSON object keyed by
// the store key.
type JSONObjectProvider[K Key, V any] struct {
	file *jsonFile[K, V]
}

// NewJSONObjectProvider returns a provider for the object file at path.
func NewJSONObjectProvider[K Key, V any](path string, options JSONOptions[K, V]) *JSONObjectProvider[K, V] {
	file := newJSONFile(path, options)
	file.split = splitObject[K]
	file.encode = func(snapshot map[K]V) ([]byte, error) {
		if snapshot == nil {
			snapshot = map[K]V{}
		}
		return json.MarshalIndent(snapshot, "", "\t")
	}
	return &JSONObjectProvider[K, V]{file: file}
}

func (p *JSONObjectProvider[K, V]) Load(ctx context.Context) (map[K]V, error) {
	return p.file.load(ctx)
}

func (p *JSONObjectProvider[K, V]) Save(ctx context.Context, snapshot map[K]V) error {
	return p.file.save(ctx, snapshot)
}

// LastLoad reports on the most recent successful Load.
func (p *JSONObjectProvider[K, V]) LastLoad() LoadReport { return p.file.lastLoad() }

// JSONArrayProvider persists a snapshot as a JSON array. Every element
// must carry an "id" field holding its key; elements are written in
// key order.
type JSONArrayProvider[K Key, V any] struct {
	file *jsonFile[K, V]
}

// NewJSONArrayProvider returns a provider for the array file at path.
func NewJSONArrayProvider[K Key, V any](path string, options JSONOptions[K, V]) *JSONArrayProvider[K, V] {
	file := newJSONFile(path, options)
	file.split = splitArray[K]
	file.encode = func(snapshot map[K]V) ([]byte, error) {
		keys := slices.Sorted(maps.Keys(snapshot))
		values := make([]V, 0, len(keys))
		for _, key := range keys {
			values = append(values, snapshot[key])
		}
		return json.MarshalIndent(values, "", "\t")
	}
	return &JSONArrayProvider[K, V]{file: file}
}

func (p *JSONArrayProvider[K, V]) Load(ctx context.Context) (map[K]V, error) {
	return p.file.load(ctx)
}

func (p *JSONArrayProvider[K, V]) Save(ctx context.Context, snapshot map[K]V) error {
	return p.file.save(ctx, snapshot)
}

// LastLoad reports on the most recent successful Load.
func (p *JSONArrayProvider[K, V]) LastLoad() LoadReport { return p.file.lastLoad() }

// splitObject reads object members in file order, keeping duplicates.
func splitObject[K Key](document []byte) ([]rawEntry[K], error) {
	decoder := json.NewDecoder(bytes.NewReader(document))
	if err := expectDelim(decoder, '{'); err != nil {
		return nil, err
	}
	var entries []rawEntry[K]
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		name, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", token)
		}
		key, err := parseKey[K](name)
		if err != nil {
			return nil, err
		}
		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		entries = append(entries, rawEntry[K]{key: key, value: value})
	}
	return entries, expectEnd(decoder, '}')
}

// splitArray reads array elements in file order, keyed by their "id"
// field.
func splitArray[K Key](document []byte) ([]rawEntry[K], error) {
	decoder := json.NewDecoder(bytes.NewReader(document))
	if err := expectDelim(decoder, '['); err != nil {
		return nil, err
	}
	var entries []rawEntry[K]
	for index := 0; decoder.More(); index++ {
		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("element %d: %w", index, err)
		}
		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(value, &probe); err != nil {
			return nil, fmt.Errorf("element %d: %w", index, err)
		}
		if len(probe.ID) == 0 || string(probe.ID) == "null" {
			return nil, fmt.Errorf("element %d has no id", index)
		}
		var key K
		if err := json.Unmarshal(probe.ID, &key); err != nil {
			return nil, fmt.Errorf("element %d id: %w", index, err)
		}
		entries = append(entries, rawEntry[K]{key: key, value: value})
	}
	return entries, expectEnd(decoder, ']')
}

func expectDelim(decoder *json.Decoder, want json.Delim) error {
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q at top level, got %v", want, token)
	}
	return nil
}

func expectEnd(decoder *json.Decoder, want json.Delim) error {
	if err := expectDelim(decoder, want); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after top-level value")
	}
	return nil
}

// parseKey converts an object member name to a key.
func parseKey[K Key](name string) (K, error) {
	var key K
	value := reflect.ValueOf(&key).Elem()
	switch value.Kind() {
	case reflect.String:
		value.SetString(name)
	case reflect.Int, reflect.Int32, reflect.Int64:
		number, err := strconv.ParseInt(name, 10, value.Type().Bits())
		if err != nil {
			return key, fmt.Errorf("key %q: %w", name, err)
		}
		value.SetInt(number)
	case reflect.Uint32, reflect.Uint64:
		number, err := strconv.ParseUint(name, 10, value.Type().Bits())
		if err != nil {
			return key, fmt.Errorf("key %q: %w", name, err)
		}
		value.SetUint(number)
	}
	return key, nil
}
