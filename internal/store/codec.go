package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/garden-co/cojson/internal/ir"
)

// marshalHeader converts a header to canonical JSON TEXT for storage.
// The canonical form is the one hashed into the id, so a stored header
// always re-derives the same id.
func marshalHeader(h *ir.CoValueHeader) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(h.ToValue())
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	return data, nil
}

func unmarshalHeader(data []byte) (*ir.CoValueHeader, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h ir.CoValueHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return &h, nil
}

// marshalTransaction stores the canonical form, which is exactly what the
// hash chain covers.
func marshalTransaction(tx ir.Transaction) []byte {
	return tx.Canonical()
}

func unmarshalTransaction(data []byte) (ir.Transaction, error) {
	var tx ir.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return ir.Transaction{}, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return tx, nil
}

// Compression identifies how a Badger value is compressed. The tag is the
// first byte of every stored value, so values written under one setting
// stay readable after the setting changes.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// String returns the name used in configuration.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible makes encodeValue fall back to storing data as is.
var errIncompressible = errors.New("incompressible")

// Values shorter than this are never compressed.
const minCompressSize = 64

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeValue frames data as tag, uvarint uncompressed length, payload.
func encodeValue(data []byte, c Compression) ([]byte, error) {
	payload, tag := data, CompressionNone
	if len(data) >= minCompressSize && c != CompressionNone {
		compressed, err := compress(data, c)
		switch {
		case err == nil:
			payload, tag = compressed, c
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}
	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, payload...), nil
}

func decodeValue(framed []byte) ([]byte, error) {
	if len(framed) < 2 {
		return nil, fmt.Errorf("decode value: %d bytes is too short", len(framed))
	}
	tag := Compression(framed[0])
	size, n := binary.Uvarint(framed[1:])
	if n <= 0 {
		return nil, errors.New("decode value: bad length prefix")
	}
	payload := framed[1+n:]
	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("decode value: size %d does not match expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode value: unsupported compression %s", tag)
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}
