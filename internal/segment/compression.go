package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec for the content section.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression maps a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("segment: unknown compression %q", s)
	}
}

var (
	zstdEncoders sync.Pool
	zstdDecoders sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoders.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoders.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

var errBlock = errors.New("segment: malformed compressed block")

// A block is [raw size u32][stored size u32][data]; stored size 0 means
// the data is kept raw because compression did not pay off.
const blockHeaderSize = 8

func compressBlock(data []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoders.Put(enc)
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(data))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	if len(packed) == 0 || len(packed) > len(data)*9/10 {
		return append(out, data...), nil
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(len(packed)))
	return append(out, packed...), nil
}

func decompressBlock(block []byte, c Compression) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, errBlock
	}
	raw := binary.LittleEndian.Uint32(block[0:])
	stored := binary.LittleEndian.Uint32(block[4:])
	body := block[blockHeaderSize:]

	if stored == 0 {
		if uint64(len(body)) < uint64(raw) {
			return nil, errBlock
		}
		return body[:raw], nil
	}
	if uint64(len(body)) < uint64(stored) {
		return nil, errBlock
	}
	body = body[:stored]
	out := make([]byte, raw)

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != raw {
			return nil, errBlock
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoders.Put(dec)
		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != raw {
			return nil, errBlock
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: compressed with %s", errBlock, c)
	}
}
