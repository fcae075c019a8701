package journal

import (
	"encoding/binary"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	// DefaultCompressThreshold is the default minimum payload size for
	// compression.
	DefaultCompressThreshold = 512

	// MinCompressSize is the size below which payloads are never
	// compressed, regardless of configuration.
	MinCompressSize = 8

	// maxDecompressedSize bounds the size claimed by a compressed
	// payload.
	maxDecompressedSize = 1 << 30
)

// Compressed payloads carry the length of the plain payload as an 8-byte
// little-endian prefix, followed by the codec output:
//
//	+----------------------+------------------+
//	| plain size (8 bytes) | codec output ... |
//	+----------------------+------------------+
const sizePrefixLen = 8

var errIncompressible = errors.New("journal: data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("journal: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		panic("journal: zstd decoder initialization failed: " + err.Error())
	}
}

// compressible reports whether a payload of n bytes qualifies for
// compression with c.
func (o *Options) compressible(c Compression, n int) bool {
	floor := MinCompressSize
	if m := o.CodecMinSize[c]; m > floor {
		floor = m
	}
	threshold := o.CompressThreshold
	if threshold < floor {
		threshold = floor
	}
	return n >= threshold
}

// maybeCompress returns the payload to store for content along with the
// codec that produced it. Codec failures and payloads that do not shrink
// fall back to storing content as is. Compressed payloads come from the
// buffer pool.
func (w *Writer) maybeCompress(content []byte) ([]byte, Compression) {
	c := w.codec
	if c == NoCompression || !w.o.compressible(c, len(content)) {
		return content, NoCompression
	}

	payload, err := compress(c, content)
	if err == errIncompressible {
		return content, NoCompression
	} else if err != nil {
		w.log.WithError(err).WithField("codec", c).Warn("compression failed, storing uncompressed")
		return content, NoCompression
	}
	return payload, c
}

func compress(c Compression, src []byte) ([]byte, error) {
	var dst []byte
	switch c {
	case SnappyCompression:
		dst = fetchBuffer(sizePrefixLen + snappy.MaxEncodedLen(len(src)))
		enc := snappy.Encode(dst[sizePrefixLen:], src)
		dst = dst[:sizePrefixLen+len(enc)]
	case LZ4Compression:
		dst = fetchBuffer(sizePrefixLen + lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst[sizePrefixLen:], nil)
		if err != nil {
			releaseBuffer(dst)
			return nil, errors.Wrap(err, "lz4 compress")
		} else if n == 0 {
			releaseBuffer(dst)
			return nil, errIncompressible
		}
		dst = dst[:sizePrefixLen+n]
	case ZstdCompression:
		dst = zstdEncoder.EncodeAll(src, fetchBuffer(sizePrefixLen))
	default:
		return nil, errors.Errorf("unsupported compression %s", c)
	}

	if len(dst) >= len(src) {
		releaseBuffer(dst)
		return nil, errIncompressible
	}
	binary.LittleEndian.PutUint64(dst, uint64(len(src)))
	return dst, nil
}

func decompress(c Compression, src []byte) ([]byte, error) {
	if len(src) < sizePrefixLen {
		return nil, errors.Errorf("%s payload too short (%d bytes)", c, len(src))
	}
	size := binary.LittleEndian.Uint64(src)
	if size > maxDecompressedSize {
		return nil, errors.Errorf("%s payload claims %d bytes", c, size)
	}
	body := src[sizePrefixLen:]

	var plain []byte
	switch c {
	case SnappyCompression:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decompress")
		} else if uint64(n) != size {
			return nil, errors.Errorf("snappy decompress: got %d bytes, expected %d", n, size)
		}
		if plain, err = snappy.Decode(make([]byte, n), body); err != nil {
			return nil, errors.Wrap(err, "snappy decompress")
		}
	case LZ4Compression:
		plain = make([]byte, size)
		n, err := lz4.UncompressBlock(body, plain)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		plain = plain[:n]
	case ZstdCompression:
		var err error
		if plain, err = zstdDecoder.DecodeAll(body, make([]byte, 0, size)); err != nil {
			return nil, errors.Wrap(err, "zstd decompress")
		}
	default:
		return nil, errors.Errorf("unsupported compression flags")
	}

	if uint64(len(plain)) != size {
		return nil, errors.Errorf("%s decompress: got %d bytes, expected %d", c, len(plain), size)
	}
	return plain, nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
