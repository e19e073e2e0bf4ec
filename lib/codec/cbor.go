// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads decoded into any-typed targets must be usable as
		// map[string]any by callers, not map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR value whose decoding is deferred.
// Envelope payloads and frame values travel as RawMessage so the
// registry can pick the concrete type from the accompanying name.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// null is the encoding of CBOR null (major type 7, simple value 22).
var null = []byte{0xf6}

// Null returns the encoded CBOR null value.
func Null() RawMessage {
	return RawMessage(bytes.Clone(null))
}

// IsNull reports whether data is empty or encodes CBOR null or
// undefined.
func IsNull(data []byte) bool {
	return len(data) == 0 || bytes.Equal(data, null) || bytes.Equal(data, []byte{0xf7})
}

// Diagnose returns the RFC 8949 diagnostic notation for data. Used in
// log lines when a frame fails to decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
