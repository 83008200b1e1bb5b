package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor is a lossless byte transform applied after serialization.
type Compressor interface {
	// ID is written into every frame so a payload can be decoded whatever
	// compressor the reading Codec is configured with.
	ID() byte
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

const (
	compressorZstd byte = 1
	compressorS2   byte = 2
)

type zstdCompressor struct {
	encPool *sync.Pool
	decPool *sync.Pool
}

var defaultZstd = newZstd()

// Zstd returns the default compressor.
func Zstd() Compressor {
	return defaultZstd
}

func newZstd() *zstdCompressor {
	return &zstdCompressor{
		encPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				return enc
			},
		},
		decPool: &sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
				return dec
			},
		},
	}
}

func (z *zstdCompressor) ID() byte { return compressorZstd }

func (z *zstdCompressor) Compress(src []byte) []byte {
	enc := z.encPool.Get().(*zstd.Encoder)
	defer z.encPool.Put(enc)
	return enc.EncodeAll(src, nil)
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	dec := z.decPool.Get().(*zstd.Decoder)
	defer z.decPool.Put(dec)
	return dec.DecodeAll(src, nil)
}

type s2Compressor struct{}

// S2 trades ratio for speed.
func S2() Compressor {
	return s2Compressor{}
}

func (s2Compressor) ID() byte { return compressorS2 }

func (s2Compressor) Compress(src []byte) []byte {
	return s2.Encode(nil, src)
}

func (s2Compressor) Decompress(src []byte) ([]byte, error) {
	return s2.Decode(nil, src)
}

func compressorByID(id byte) (Compressor, error) {
	switch id {
	case compressorZstd:
		return defaultZstd, nil
	case compressorS2:
		return s2Compressor{}, nil
	}
	return nil, fmt.Errorf("%w: unknown compressor %d", ErrCorrupt, id)
}
