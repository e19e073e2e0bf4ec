// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to one websocket
// message. The tag is the first byte of every message and its values
// are wire constants.
type Compression uint8

const (
	// CompressionNone sends the frame as is.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression. Cheap enough for every
	// large frame.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. Better ratios on
	// the JSON-heavy record batches at a higher CPU cost.
	CompressionZstd Compression = 2
)

// MaxFrameSize bounds the uncompressed size of one frame. A message
// claiming more is rejected before anything is allocated.
const MaxFrameSize = 64 << 20

// String returns the configuration name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// Compressor encodes frames into websocket messages:
//
//	[tag (1 byte)] [uncompressed length (uvarint)] [body]
//
// Frames shorter than Threshold, and frames that do not shrink, are
// sent with CompressionNone. The receiver decodes by tag, so the two
// ends of a connection need not agree on an algorithm.
type Compressor struct {
	Algorithm Compression
	Threshold int
}

// Encode wraps frame in a message.
func (c Compressor) Encode(frame []byte) []byte {
	if c.Algorithm != CompressionNone && len(frame) >= c.Threshold {
		if body, err := compressBody(frame, c.Algorithm); err == nil {
			return appendMessage(c.Algorithm, len(frame), body)
		}
	}
	return appendMessage(CompressionNone, len(frame), frame)
}

// DecodeMessage unwraps a message produced by any Compressor.
func DecodeMessage(message []byte) ([]byte, error) {
	if len(message) < 2 {
		return nil, fmt.Errorf("message of %d bytes has no header", len(message))
	}
	tag := Compression(message[0])
	size, n := binary.Uvarint(message[1:])
	if n <= 0 {
		return nil, errors.New("message length header is malformed")
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxFrameSize)
	}
	body := message[1+n:]

	switch tag {
	case CompressionNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("uncompressed frame: size %d does not match header %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, int(size))
	case CompressionZstd:
		return decompressZstd(body, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}

func appendMessage(tag Compression, size int, body []byte) []byte {
	message := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	message = append(message, byte(tag))
	message = binary.AppendUvarint(message, uint64(size))
	return append(message, body...)
}

// errIncompressible is returned when the compressed body is not
// smaller than the input. Encode falls back to CompressionNone.
var errIncompressible = errors.New("frame is incompressible")

func compressBody(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}
