package mcap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DecompressHandler decompresses a chunk's inner stream. decompressedSizeHint
// is the chunk's declared UncompressedSize, usable to presize the output
// buffer; handlers are not required to honor it exactly.
type DecompressHandler func(compressed []byte, decompressedSizeHint uint64) ([]byte, error)

// DecompressHandlers is a registry of decompressors keyed by the Chunk's
// compression string. The reader never calls a compression library
// directly; it only ever looks up a handler here, so callers can swap in
// their own codecs (or omit ones they don't trust) without touching the
// reader's control flow.
type DecompressHandlers map[CompressionFormat]DecompressHandler

// CompressHandler is the writer-side symmetric counterpart of
// DecompressHandler: it must return a ready-to-use, resettable compressing
// WriteCloser over dst.
type CompressHandler func(dst io.Writer) (resettableWriteCloser, error)

// CompressHandlers is a registry of compressors keyed by compression name.
type CompressHandlers map[CompressionFormat]CompressHandler

// resettableWriteCloser lets the writer recycle one compressor instance
// across chunks instead of allocating a fresh one per flush.
type resettableWriteCloser interface {
	io.WriteCloser
	Reset(io.Writer)
}

type bufCloser struct {
	b *bytes.Buffer
}

func (b bufCloser) Write(p []byte) (int, error) { return b.b.Write(p) }
func (b bufCloser) Close() error                { return nil }
func (b bufCloser) Reset(_ io.Writer)           { b.b.Reset() }

// DefaultDecompressHandlers returns the well-known compression formats
// (none, lz4, zstd) backed by klauspost/compress and pierrec/lz4.
func DefaultDecompressHandlers() DecompressHandlers {
	var zstdDecoder *zstd.Decoder
	return DecompressHandlers{
		CompressionNone: func(compressed []byte, _ uint64) ([]byte, error) {
			return compressed, nil
		},
		CompressionLZ4: func(compressed []byte, sizeHint uint64) ([]byte, error) {
			out, err := makeSafe(sizeHint)
			if err != nil {
				return nil, err
			}
			r := lz4.NewReader(bytes.NewReader(compressed))
			n, err := io.ReadFull(r, out)
			if err != nil && err != io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
			}
			return out[:n], nil
		},
		CompressionZSTD: func(compressed []byte, sizeHint uint64) ([]byte, error) {
			var err error
			if zstdDecoder == nil {
				zstdDecoder, err = zstd.NewReader(nil)
				if err != nil {
					return nil, fmt.Errorf("failed to build zstd decoder: %w", err)
				}
			}
			out, err := makeSafe(sizeHint)
			if err != nil {
				return nil, err
			}
			return zstdDecoder.DecodeAll(compressed, out[:0])
		},
	}
}

// DefaultCompressHandlers returns the well-known compression formats backed
// by klauspost/compress and pierrec/lz4, using a fast encoder preset
// suitable for interactive recording workloads.
func DefaultCompressHandlers() CompressHandlers {
	return CompressHandlers{
		CompressionNone: func(dst io.Writer) (resettableWriteCloser, error) {
			buf, ok := dst.(*bytes.Buffer)
			if !ok {
				return nil, fmt.Errorf("none compressor requires a *bytes.Buffer sink")
			}
			return bufCloser{buf}, nil
		},
		CompressionLZ4: func(dst io.Writer) (resettableWriteCloser, error) {
			return lz4.NewWriter(dst), nil
		},
		CompressionZSTD: func(dst io.Writer) (resettableWriteCloser, error) {
			return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedFastest))
		},
	}
}
