package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSimpleFile(t *testing.T, opts *WriterOptions) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, opts)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{Profile: "p"}))
	_, err = w.RegisterSchema(&Schema{ID: 1, Name: "S", Encoding: "json", Data: []byte("{}")})
	require.NoError(t, err)
	_, err = w.RegisterChannel(&Channel{ID: 1, SchemaID: 1, Topic: "/t", MessageEncoding: "json", Metadata: map[string]string{}})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteMessage(&Message{ChannelID: 1, Sequence: uint32(i), LogTime: uint64(i), PublishTime: uint64(i), Data: []byte{byte(i)}}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func drainOpcodes(t *testing.T, r *StreamReader) []OpCode {
	t.Helper()
	var ops []OpCode
	for {
		rec, err := r.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		ops = append(ops, rec.Opcode)
	}
	return ops
}

func TestStreamReaderYieldsRecordsInFileOrder(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{})
	r := NewStreamReader(nil)
	r.Append(data)
	ops := drainOpcodes(t, r)
	require.NoError(t, r.Close())

	require.NotEmpty(t, ops)
	assert.Equal(t, OpHeader, ops[0], "Header must be the first record after the leading magic")
	assert.Equal(t, OpFooter, ops[len(ops)-1], "Footer must be the last record before the trailing magic")

	var messageCount int
	for _, op := range ops {
		if op == OpMessage {
			messageCount++
		}
	}
	assert.Equal(t, 5, messageCount)
}

// Partial appends must not lose or duplicate records: Next returns (nil, nil)
// whenever too little has been buffered, never an error, per spec §4.4.
func TestStreamReaderHandlesPartialAppends(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{})
	r := NewStreamReader(nil)

	var ops []OpCode
	for i := 0; i < len(data); i++ {
		r.Append(data[i : i+1])
		for {
			rec, err := r.Next()
			require.NoError(t, err)
			if rec == nil {
				break
			}
			ops = append(ops, rec.Opcode)
		}
	}
	require.NoError(t, r.Close())
	assert.Equal(t, OpHeader, ops[0])
	assert.Equal(t, OpFooter, ops[len(ops)-1])
}

func TestStreamReaderBadLeadingMagic(t *testing.T) {
	r := NewStreamReader(nil)
	r.Append([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	_, err := r.Next()
	var badMagic *ErrBadMagic
	require.ErrorAs(t, err, &badMagic)
	assert.Equal(t, "leading", badMagic.Location)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestStreamReaderTruncatedTail(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{})
	truncated := data[:len(data)-10]

	r := NewStreamReader(nil)
	r.Append(truncated)
	for {
		rec, err := r.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
	}
	assert.ErrorIs(t, r.Close(), ErrTruncatedTail)
}

func TestStreamReaderTransparentChunksExpandsChunkRecords(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{Chunked: true, ChunkSize: 4 * 1024 * 1024, Compression: CompressionZSTD})
	r := NewStreamReader(&StreamReaderOptions{TransparentChunks: true, ValidateChunkCRC: true})
	r.Append(data)
	ops := drainOpcodes(t, r)
	require.NoError(t, r.Close())

	for _, op := range ops {
		assert.NotEqual(t, OpChunk, op, "transparent chunks must never surface the Chunk record itself")
	}
	var messageCount int
	for _, op := range ops {
		if op == OpMessage {
			messageCount++
		}
	}
	assert.Equal(t, 5, messageCount)
}

func TestStreamReaderOpaqueChunksYieldChunkRecord(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{Chunked: true, ChunkSize: 4 * 1024 * 1024})
	r := NewStreamReader(nil) // TransparentChunks defaults to false
	r.Append(data)
	ops := drainOpcodes(t, r)
	require.NoError(t, r.Close())

	var sawChunk bool
	for _, op := range ops {
		if op == OpChunk {
			sawChunk = true
		}
	}
	assert.True(t, sawChunk)
}

func TestStreamReaderDetectsUnknownChannelReference(t *testing.T) {
	var hdr [9]byte
	putRecordHeader(hdr[:], OpMessage, sizeMessage(&Message{ChannelID: 99, LogTime: 1}))
	payload := make([]byte, sizeMessage(&Message{ChannelID: 99, LogTime: 1}))
	EncodeMessage(payload, &Message{ChannelID: 99, LogTime: 1})

	r := NewStreamReader(&StreamReaderOptions{SkipMagic: true})
	r.Append(hdr[:])
	r.Append(payload)
	_, err := r.Next()
	var unknownChannel *ErrUnknownChannel
	assert.ErrorAs(t, err, &unknownChannel)
}

func TestStreamReaderDetectsInconsistentSchema(t *testing.T) {
	s1 := &Schema{ID: 1, Name: "A", Encoding: "json", Data: []byte("{}")}
	s2 := &Schema{ID: 1, Name: "B", Encoding: "json", Data: []byte("{}")}

	r := NewStreamReader(&StreamReaderOptions{SkipMagic: true})
	for _, s := range []*Schema{s1, s2} {
		var hdr [9]byte
		putRecordHeader(hdr[:], OpSchema, sizeSchema(s))
		payload := make([]byte, sizeSchema(s))
		EncodeSchema(payload, s)
		r.Append(hdr[:])
		r.Append(payload)
	}
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	var inconsistent *ErrInconsistentRecord
	assert.ErrorAs(t, err, &inconsistent)
}

func TestStreamReaderMaxRecordSize(t *testing.T) {
	data := buildSimpleFile(t, &WriterOptions{})
	r := NewStreamReader(&StreamReaderOptions{MaxRecordSize: 1})
	r.Append(data)
	_, err := r.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}
