// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"math"
	"strconv"

	"github.com/clusterio/clusterio-sub000/lib/codec"
)

// Channel partitions a broadcast stream, typically by resource id. A
// channel is either a string or an integer and is only ever compared
// for equality: "5" and 5 are different channels. The zero Channel is
// the empty string.
//
// Channel is comparable and can be used as a map key.
type Channel struct {
	text    string
	number  int64
	numeric bool
}

// StringChannel returns a string channel.
func StringChannel(s string) Channel { return Channel{text: s} }

// IntChannel returns an integer channel.
func IntChannel(n int64) Channel { return Channel{number: n, numeric: true} }

// IsNumeric reports whether the channel is an integer channel.
func (c Channel) IsNumeric() bool { return c.numeric }

func (c Channel) String() string {
	if c.numeric {
		return strconv.FormatInt(c.number, 10)
	}
	return c.text
}

// MarshalCBOR encodes the channel as a CBOR text string or integer.
func (c Channel) MarshalCBOR() ([]byte, error) {
	if c.numeric {
		return codec.Marshal(c.number)
	}
	return codec.Marshal(c.text)
}

// UnmarshalCBOR accepts a text string or an integer. Floats are
// accepted only when they hold an integral value, since some peers
// encode every number as a float.
func (c *Channel) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		*c = StringChannel(value)
	case uint64:
		if value > math.MaxInt64 {
			return fmt.Errorf("channel %d overflows int64", value)
		}
		*c = IntChannel(int64(value))
	case int64:
		*c = IntChannel(value)
	case float64:
		if value != math.Trunc(value) || math.Abs(value) > math.MaxInt64 {
			return fmt.Errorf("channel %v is not an integer", value)
		}
		*c = IntChannel(int64(value))
	default:
		return fmt.Errorf("channel must be a string or integer, got %T", raw)
	}
	return nil
}

// NormalizeChannels removes duplicates while keeping first-seen order.
// The result is never nil.
func NormalizeChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	result := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		if _, duplicate := seen[channel]; duplicate {
			continue
		}
		seen[channel] = struct{}{}
		result = append(result, channel)
	}
	return result
}
