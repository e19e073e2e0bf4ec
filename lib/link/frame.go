// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"fmt"

	"github.com/clusterio/clusterio-sub000/lib/codec"
)

type frameKind uint8

const (
	frameAck frameKind = iota
	frameEvent
	frameRequest
	frameResponse
)

func (k frameKind) String() string {
	switch k {
	case frameAck:
		return "ack"
	case frameEvent:
		return "event"
	case frameRequest:
		return "request"
	case frameResponse:
		return "response"
	default:
		return fmt.Sprintf("frameKind(%d)", uint8(k))
	}
}

// frame is the unit written to a Transport. Value holds an encoded
// envelope (or null for a response without a value). Code and Message
// are set only on failed responses.
type frame struct {
	_ struct{} `cbor:",toarray"`

	Kind    frameKind
	Seq     uint64
	Ack     uint64
	ID      uint64
	Value   codec.RawMessage
	Code    string
	Message string
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Kind > frameResponse {
		return frame{}, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	if f.Kind == frameAck && f.Seq != 0 {
		return frame{}, fmt.Errorf("ack frame with sequence %d", f.Seq)
	}
	if f.Kind != frameAck && f.Seq == 0 {
		return frame{}, fmt.Errorf("%s frame without sequence", f.Kind)
	}
	return f, nil
}
