package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/netsync/pkg/generic"
)

const (
	flagRaw byte = 0
	flagLZ4 byte = 1

	// MaxDecodedSize bounds decompression output.
	MaxDecodedSize = 1 << 20
)

var compressors = generic.NewPool(func() *lz4.Compressor { return new(lz4.Compressor) })

// Codec serializes envelopes with msgpack and compresses large ones with LZ4.
// Threshold 0 disables compression.
type Codec struct {
	threshold int
}

func NewCodec(threshold int) *Codec {
	return &Codec{threshold: threshold}
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, WrapError(fmt.Errorf("%w: %w", ErrSerializationFailed, err), "marshal envelope")
	}

	if c.threshold <= 0 || len(body) < c.threshold {
		return append([]byte{flagRaw}, body...), nil
	}

	out := make([]byte, 1+binary.MaxVarintLen32+lz4.CompressBlockBound(len(body)))
	out[0] = flagLZ4
	n := 1 + binary.PutUvarint(out[1:], uint64(len(body)))
	zc := compressors.Get()
	written, err := zc.CompressBlock(body, out[n:])
	compressors.Put(zc)
	if err != nil || written == 0 || n+written >= len(body)+1 {
		// incompressible
		return append([]byte{flagRaw}, body...), nil
	}
	return out[:n+written], nil
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return NewProtocolError(ErrorCodeInvalidMessage, "empty envelope", ErrInvalidMessage)
	}

	body := data[1:]
	switch data[0] {
	case flagRaw:
	case flagLZ4:
		size, n := binary.Uvarint(body)
		if n <= 0 || size > MaxDecodedSize {
			return NewProtocolError(ErrorCodeInvalidMessage, "bad compressed length", ErrInvalidMessage)
		}
		decoded := make([]byte, size)
		read, err := lz4.UncompressBlock(body[n:], decoded)
		if err != nil || uint64(read) != size {
			return NewProtocolError(ErrorCodeDeserializationFailed, "decompress envelope", ErrDeserializationFailed)
		}
		body = decoded
	default:
		return NewProtocolError(ErrorCodeInvalidMessage, "unknown envelope flag", ErrInvalidMessage).
			WithContext("flag", data[0])
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		return NewProtocolError(ErrorCodeDeserializationFailed, "unmarshal envelope", err)
	}
	return nil
}
