// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blocks

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

const (
	// Version of the record layout. Stored as the first byte of every
	// record.
	recordVersion = 1

	// Number of checksum bytes kept in the record header. Truncated
	// blake3 digest of the uncompressed payload.
	checksumSize = 16

	// Largest container capacity a record may declare.
	MaxCapacity = 1 << 24

	// Upper bound of the uncompressed payload accepted by Deserialize. CBOR
	// needs at most 5 bytes per int32 value plus the array headers.
	maxPayloadSize = 5*MaxCapacity + 32

	// Best ratio lz4 block compression can reach.
	lz4MaxRatio = 255
)

var (
	ErrCorruptRecord = errors.New("blocks: corrupt aggregated record")

	// Returned by compression when the output would not be smaller than
	// the input. The record is then stored uncompressed.
	errIncompressible = errors.New("blocks: data is incompressible")
)

// Compression identifies the algorithm used for the record payload. Values
// are stored in records, changing them breaks existing data.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

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

// ParseCompression returns compression from its configuration name.
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

// Serialized form of the container. Encoded as a CBOR array.
type record struct {
	_        struct{} `cbor:",toarray"`
	Capacity int
	Values   []int32
}

// Codec converts containers to aggregated records and back. It is safe for
// concurrent use.
//
// Record layout:
//
//	version (1B) | compression (1B) | uvarint payload length | checksum (16B) | payload
type Codec struct {
	compression Compression
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEnc     *zstd.Encoder
	zstdDec     *zstd.Decoder
}

func NewCodec(compression Compression) (*Codec, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}

	zstdEnc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	zstdDec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	c := Codec{
		compression: compression,
		encMode:     encMode,
		decMode:     decMode,
		zstdEnc:     zstdEnc,
		zstdDec:     zstdDec,
	}

	return &c, nil
}

// Serialize returns the aggregated record for the container.
func (c *Codec) Serialize(container *Container) ([]byte, error) {
	payload, err := c.encMode.Marshal(record{
		Capacity: container.Cap(),
		Values:   container.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
	}

	tag := c.compression
	compressed, err := c.compress(payload, tag)
	if errors.Is(err, errIncompressible) {
		tag, compressed, err = CompressionNone, payload, nil
	}
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(payload)

	var buf bytes.Buffer
	buf.Grow(2 + binary.MaxVarintLen64 + checksumSize + len(compressed))
	buf.WriteByte(recordVersion)
	buf.WriteByte(byte(tag))
	buf.Write(binary.AppendUvarint(nil, uint64(len(payload))))
	buf.Write(sum[:checksumSize])
	buf.Write(compressed)

	return buf.Bytes(), nil
}

// Deserialize reconstructs the container from the aggregated record. Any
// damage of the record is reported as ErrCorruptRecord.
func (c *Codec) Deserialize(data []byte) (*Container, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: record too short", ErrCorruptRecord)
	}
	if data[0] != recordVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptRecord, data[0])
	}

	tag := Compression(data[1])
	size, n := binary.Uvarint(data[2:])
	if n <= 0 || size > maxPayloadSize {
		return nil, fmt.Errorf("%w: bad payload length", ErrCorruptRecord)
	}

	data = data[2+n:]
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorruptRecord)
	}
	checksum, compressed := data[:checksumSize], data[checksumSize:]

	payload, err := c.decompress(compressed, tag, int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:checksumSize], checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	var r record
	if err := c.decMode.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if r.Capacity < len(r.Values) || r.Capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d with %d values", ErrCorruptRecord, r.Capacity, len(r.Values))
	}

	// Free slots are not preallocated.
	container := Container{
		values:   r.Values,
		capacity: r.Capacity,
	}

	return &container, nil
}

func (c *Codec) compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// Zero means lz4 gave up on the data.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := c.zstdEnc.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression %v", tag)
	}
}

func (c *Codec) decompress(data []byte, tag Compression, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("size %d does not match expected %d", len(data), size)
		}
		return data, nil

	case CompressionLZ4:
		if size > lz4MaxRatio*len(data) {
			return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(data), size)
		}
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression %v", tag)
	}
}
