package mcap

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunkBuilder(t *testing.T, format CompressionFormat) *ChunkBuilder {
	t.Helper()
	handler := DefaultCompressHandlers()[format]
	cb, err := NewChunkBuilder(format, handler)
	require.NoError(t, err)
	return cb
}

func TestChunkBuilderAddSchemaIdempotent(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	s := &Schema{ID: 1, Name: "S", Encoding: "json", Data: []byte("{}")}
	cb.AddSchema(s, false)
	lenAfterFirst := cb.Len()
	cb.AddSchema(s, false)
	assert.Equal(t, lenAfterFirst, cb.Len(), "repeated AddSchema with the same id must be a no-op")
}

func TestChunkBuilderAddSchemaSkipsWhenGlobal(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	s := &Schema{ID: 1, Name: "S", Encoding: "json", Data: []byte("{}")}
	cb.AddSchema(s, true)
	assert.Equal(t, int64(0), cb.Len())
}

func TestChunkBuilderAddChannelIdempotent(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	c := &Channel{ID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}}
	cb.AddChannel(c, false)
	lenAfterFirst := cb.Len()
	cb.AddChannel(c, false)
	assert.Equal(t, lenAfterFirst, cb.Len())
}

func TestChunkBuilderMessageIndexTracksOffsets(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	cb.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	for _, logTime := range []uint64{5, 1, 3} {
		cb.AddMessage(&Message{ChannelID: 1, LogTime: logTime, PublishTime: logTime, Data: []byte{1}})
	}
	chunk, indexes, err := cb.Finish(false)
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, uint16(1), indexes[0].ChannelID)
	entries := indexes[0].Entries()
	require.Len(t, entries, 3)
	// The index records offsets in write order, not sorted by log time --
	// the format permits unordered writes (spec §9).
	assert.Equal(t, []uint64{5, 1, 3}, []uint64{entries[0].Timestamp, entries[1].Timestamp, entries[2].Timestamp})
	assert.Equal(t, uint64(1), chunk.MessageStartTime)
	assert.Equal(t, uint64(5), chunk.MessageEndTime)
}

func TestChunkBuilderSortMessagesOrdersByLogTime(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	cb.AddChannel(&Channel{ID: 1, Topic: "/a", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	cb.AddChannel(&Channel{ID: 2, Topic: "/b", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	cb.AddMessage(&Message{ChannelID: 1, LogTime: 5, PublishTime: 5, Data: []byte("a5")})
	cb.AddMessage(&Message{ChannelID: 2, LogTime: 1, PublishTime: 1, Data: []byte("b1")})
	cb.AddMessage(&Message{ChannelID: 1, LogTime: 3, PublishTime: 3, Data: []byte("a3")})
	cb.AddMessage(&Message{ChannelID: 2, LogTime: 4, PublishTime: 4, Data: []byte("b4")})
	cb.AddMessage(&Message{ChannelID: 1, LogTime: 2, PublishTime: 2, Data: []byte("a2")})

	chunk, indexes, err := cb.Finish(true)
	require.NoError(t, err)

	// Every channel's own index must end up offset-ordered to match
	// ascending timestamps, since the inner stream is now in log_time
	// order.
	for _, idx := range indexes {
		entries := idx.Entries()
		for i := 1; i < len(entries); i++ {
			assert.Less(t, entries[i-1].Timestamp, entries[i].Timestamp)
			assert.Less(t, entries[i-1].Offset, entries[i].Offset)
		}
	}

	reader := NewStreamReader(&StreamReaderOptions{SkipMagic: true})
	reader.Append(chunk.Records)
	var gotTimes []uint64
	for {
		rec, err := reader.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		if rec.Opcode == OpMessage {
			m, err := DecodeMessage(rec.Data)
			require.NoError(t, err)
			gotTimes = append(gotTimes, m.LogTime)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, gotTimes)
}

func TestChunkBuilderFinishComputesCRC(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	cb.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	cb.AddMessage(&Message{ChannelID: 1, LogTime: 1, PublishTime: 1, Data: []byte("hi")})

	chunk, _, err := cb.Finish(false)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(chunk.Records), chunk.UncompressedCRC)
	assert.Equal(t, CompressionNone, chunk.Compression)
	assert.Equal(t, chunk.UncompressedSize, uint64(len(chunk.Records)))
}

func TestChunkBuilderFinishCompresses(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionZSTD)
	cb.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	for i := 0; i < 50; i++ {
		cb.AddMessage(&Message{ChannelID: 1, LogTime: uint64(i), PublishTime: uint64(i), Data: []byte("repeated payload bytes")})
	}
	chunk, _, err := cb.Finish(false)
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, chunk.Compression)
	assert.NotEqual(t, chunk.UncompressedSize, uint64(len(chunk.Records)))

	handler := DefaultDecompressHandlers()[CompressionZSTD]
	decompressed, err := handler(chunk.Records, chunk.UncompressedSize)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(decompressed), chunk.UncompressedCRC)
}

func TestChunkBuilderResetClearsState(t *testing.T) {
	cb := newTestChunkBuilder(t, CompressionNone)
	cb.AddSchema(&Schema{ID: 1, Name: "S", Encoding: "json", Data: []byte("{}")}, false)
	cb.AddChannel(&Channel{ID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}}, false)
	cb.AddMessage(&Message{ChannelID: 1, LogTime: 1, PublishTime: 1, Data: []byte("x")})
	require.Greater(t, cb.Len(), int64(0))

	_, _, err := cb.Finish(false)
	require.NoError(t, err)
	cb.Reset()

	assert.Equal(t, int64(0), cb.Len())
	// Re-adding the same schema/channel ids after a reset must not be
	// treated as already-written, since this is a new chunk.
	cb.AddSchema(&Schema{ID: 1, Name: "S", Encoding: "json", Data: []byte("{}")}, false)
	assert.Greater(t, cb.Len(), int64(0))
}
