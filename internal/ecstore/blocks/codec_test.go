// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blocks

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func filledContainer(capacity, count int) *Container {
	c := NewContainer(capacity)
	for i := 0; i < count; i++ {
		if err := c.Append(int32(i % 7)); err != nil {
			panic(err)
		}
	}
	return c
}

func TestContainerAppendGet(t *testing.T) {
	c := NewContainer(3)
	require.False(t, c.IsFull())

	require.NoError(t, c.Append(5))
	require.NoError(t, c.Append(6))
	require.NoError(t, c.Append(7))
	require.True(t, c.IsFull())
	require.ErrorIs(t, c.Append(8), ErrContainerFull)

	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, int32(6), v)

	_, ok = c.Get(3)
	require.False(t, ok)
	_, ok = c.Get(-1)
	require.False(t, ok)
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		compression Compression
		container   *Container
	}{
		{"none full", CompressionNone, filledContainer(64, 64)},
		{"lz4 full", CompressionLZ4, filledContainer(4096, 4096)},
		{"zstd full", CompressionZstd, filledContainer(4096, 4096)},
		{"lz4 partial", CompressionLZ4, filledContainer(100, 10)},
		{"zstd empty", CompressionZstd, NewContainer(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.compression)
			require.NoError(t, err)

			data, err := codec.Serialize(tt.container)
			require.NoError(t, err)

			got, err := codec.Deserialize(data)
			require.NoError(t, err)
			require.Equal(t, tt.container.Cap(), got.Cap())
			require.Equal(t, tt.container.Len(), got.Len())
			for i := 0; i < tt.container.Len(); i++ {
				want, _ := tt.container.Get(i)
				v, ok := got.Get(i)
				require.True(t, ok)
				require.Equal(t, want, v, "offset %d", i)
			}
		})
	}
}

func TestCodecCompressesRepetitiveData(t *testing.T) {
	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)

	data, err := codec.Serialize(filledContainer(10000, 10000))
	require.NoError(t, err)
	require.Equal(t, byte(CompressionZstd), data[1])
}

func TestCodecFallsBackToNone(t *testing.T) {
	codec, err := NewCodec(CompressionLZ4)
	require.NoError(t, err)

	// A single value cannot be made smaller.
	data, err := codec.Serialize(filledContainer(1, 1))
	require.NoError(t, err)
	require.Equal(t, byte(CompressionNone), data[1])

	got, err := codec.Deserialize(data)
	require.NoError(t, err)
	v, ok := got.Get(0)
	require.True(t, ok)
	require.Equal(t, int32(0), v)
}

func TestCodecDetectsCorruption(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)

	data, err := codec.Serialize(filledContainer(16, 16))
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff

	badVersion := append([]byte(nil), data...)
	badVersion[0] = 9

	for name, record := range map[string][]byte{
		"empty":       {},
		"truncated":   data[:len(data)/2],
		"flipped":     flipped,
		"bad version": badVersion,
	} {
		_, err := codec.Deserialize(record)
		require.ErrorIs(t, err, ErrCorruptRecord, name)
	}
}

// Assembles a record with a valid checksum around the payload.
func rawRecord(t *testing.T, tag Compression, payload, compressed []byte) []byte {
	t.Helper()

	sum := blake3.Sum256(payload)

	data := []byte{recordVersion, byte(tag)}
	data = binary.AppendUvarint(data, uint64(len(payload)))
	data = append(data, sum[:checksumSize]...)

	return append(data, compressed...)
}

func TestCodecRejectsImpossibleCapacity(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)

	for name, r := range map[string]record{
		"huge":            {Capacity: 1 << 50, Values: []int32{1}},
		"above maximum":   {Capacity: MaxCapacity + 1},
		"negative":        {Capacity: -1},
		"values overflow": {Capacity: 1, Values: []int32{1, 2}},
	} {
		payload, err := cbor.Marshal(r)
		require.NoError(t, err)

		_, err = codec.Deserialize(rawRecord(t, CompressionNone, payload, payload))
		require.ErrorIs(t, err, ErrCorruptRecord, name)
	}

	payload, err := cbor.Marshal(record{Capacity: MaxCapacity, Values: []int32{7, 8}})
	require.NoError(t, err)

	got, err := codec.Deserialize(rawRecord(t, CompressionNone, payload, payload))
	require.NoError(t, err)
	require.Equal(t, MaxCapacity, got.Cap())
	require.Equal(t, 2, got.Len())
}

func TestCodecRejectsInflatedLength(t *testing.T) {
	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)

	payload, err := cbor.Marshal(record{Capacity: 4, Values: []int32{1, 2, 3, 4}})
	require.NoError(t, err)

	header := func(tag Compression, size uint64, body []byte) []byte {
		data := []byte{recordVersion, byte(tag)}
		data = binary.AppendUvarint(data, size)
		data = append(data, make([]byte, checksumSize)...)
		return append(data, body...)
	}

	for name, data := range map[string][]byte{
		"beyond maximum": header(CompressionNone, maxPayloadSize+1, payload),
		"lz4 ratio":      header(CompressionLZ4, 1<<26, []byte{1, 2, 3, 4}),
		"zstd mismatch":  header(CompressionZstd, 1<<26, codec.zstdEnc.EncodeAll(payload, nil)),
	} {
		_, err := codec.Deserialize(data)
		require.ErrorIs(t, err, ErrCorruptRecord, name)
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompression(c.String())
		require.NoError(t, err)
		require.Equal(t, c, parsed)
	}

	_, err := ParseCompression("brotli")
	require.Error(t, err)
}
