package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	for _, format := range []CompressionFormat{CompressionNone, CompressionLZ4, CompressionZSTD} {
		format := format
		t.Run(format.String(), func(t *testing.T) {
			compressHandler := DefaultCompressHandlers()[format]
			dst := &bytes.Buffer{}
			compressor, err := compressHandler(dst)
			require.NoError(t, err)
			_, err = compressor.Write(data)
			require.NoError(t, err)
			require.NoError(t, compressor.Close())

			decompressHandler := DefaultDecompressHandlers()[format]
			out, err := decompressHandler(dst.Bytes(), uint64(len(data)))
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestUnsupportedCompressionLookupMisses(t *testing.T) {
	handlers := DefaultDecompressHandlers()
	_, ok := handlers[CompressionFormat("snappy")]
	assert.False(t, ok)
}

func TestNoneCompressorRequiresBytesBuffer(t *testing.T) {
	handler := DefaultCompressHandlers()[CompressionNone]
	_, err := handler(&sliceSink{})
	assert.Error(t, err)
}
