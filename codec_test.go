package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Profile: "ros1", Library: "mcaptest"}
	buf := make([]byte, sizeHeader(h))
	n := EncodeHeader(buf, h)
	assert.Equal(t, len(buf), n)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFooterRoundTrip(t *testing.T) {
	f := &Footer{SummaryStart: 100, SummaryOffsetStart: 200, SummaryCRC: 0xABCD}
	buf := make([]byte, 20)
	n := EncodeFooter(buf, f)
	assert.Equal(t, 20, n)

	got, err := DecodeFooter(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestSchemaRoundTrip(t *testing.T) {
	s := &Schema{ID: 1, Name: "Foo", Encoding: "protobuf", Data: []byte{1, 2, 3}}
	buf := make([]byte, sizeSchema(s))
	n := EncodeSchema(buf, s)
	assert.Equal(t, len(buf), n)

	got, err := DecodeSchema(buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestChannelRoundTrip(t *testing.T) {
	c := &Channel{
		ID: 7, SchemaID: 1, Topic: "/foo", MessageEncoding: "json",
		Metadata: map[string]string{"a": "1", "b": "2"},
	}
	buf := make([]byte, sizeChannel(c))
	n := EncodeChannel(buf, c)
	assert.Equal(t, len(buf), n)

	got, err := DecodeChannel(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{ChannelID: 3, Sequence: 9, LogTime: 10, PublishTime: 10, Data: []byte("x")}
	buf := make([]byte, sizeMessage(m))
	n := EncodeMessage(buf, m)
	assert.Equal(t, len(buf), n)

	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestChunkIndexRoundTrip(t *testing.T) {
	ci := &ChunkIndex{
		MessageStartTime: 1, MessageEndTime: 10, ChunkStartOffset: 100, ChunkLength: 50,
		MessageIndexOffsets: map[uint16]uint64{1: 200, 2: 250},
		MessageIndexLength:  40, Compression: CompressionZSTD, CompressedSize: 30, UncompressedSize: 60,
	}
	buf := make([]byte, sizeChunkIndex(ci))
	n := EncodeChunkIndex(buf, ci, []uint16{1, 2})
	assert.Equal(t, len(buf), n)

	got, err := DecodeChunkIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, ci, got)
}

func TestAttachmentRoundTripAndCRC(t *testing.T) {
	a := &Attachment{LogTime: 1, CreateTime: 2, Name: "file.jpg", MediaType: "image/jpeg", Data: []byte{1, 2, 3, 4}}
	buf := make([]byte, sizeAttachment(a))
	n := EncodeAttachment(buf, a)
	assert.Equal(t, len(buf), n)

	got, err := DecodeAttachment(buf)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, a.Data, got.Data)

	// corrupting a byte inside the payload must fail CRC validation.
	buf[0] ^= 0xFF
	_, err = DecodeAttachment(buf)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestStatisticsRoundTrip(t *testing.T) {
	s := &Statistics{
		MessageCount: 100, SchemaCount: 1, ChannelCount: 2, AttachmentCount: 0, MetadataCount: 0,
		ChunkCount: 1, MessageStartTime: 1, MessageEndTime: 99,
		ChannelMessageCounts: map[uint16]uint64{0: 50, 1: 50},
	}
	order := []uint16{0, 1}
	buf := make([]byte, sizeStatistics(s, order))
	n := EncodeStatistics(buf, s, order)
	assert.Equal(t, len(buf), n)

	got, err := DecodeStatistics(buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestMetadataRoundTrip(t *testing.T) {
	m := &Metadata{Name: "calibration", Metadata: map[string]string{"k": "v"}}
	buf := make([]byte, sizeMetadata(m))
	n := EncodeMetadata(buf, m)
	assert.Equal(t, len(buf), n)

	got, err := DecodeMetadata(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestSummaryOffsetRoundTrip(t *testing.T) {
	s := &SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: 10, GroupLength: 20}
	buf := make([]byte, 1+8+8)
	n := EncodeSummaryOffset(buf, s)
	assert.Equal(t, len(buf), n)

	got, err := DecodeSummaryOffset(buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDataEndRoundTrip(t *testing.T) {
	d := &DataEnd{DataSectionCRC: 0x1234}
	buf := make([]byte, 4)
	n := EncodeDataEnd(buf, d)
	assert.Equal(t, 4, n)

	got, err := DecodeDataEnd(buf)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

// Forward compatibility: trailing bytes past the known field set must not
// change decode output or cause an error (spec §8 property 9).
func TestForwardCompatibleTrailingBytes(t *testing.T) {
	s := &Schema{ID: 1, Name: "Foo", Encoding: "json", Data: []byte{1, 2}}
	buf := make([]byte, sizeSchema(s))
	EncodeSchema(buf, s)
	extended := append(append([]byte(nil), buf...), make([]byte, 16)...)

	got, err := DecodeSchema(extended)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

// Undersized payloads must be rejected as MalformedRecord rather than
// panicking (spec §4.1).
func TestMalformedRecordTooShort(t *testing.T) {
	_, err := DecodeSchema([]byte{1, 2, 3})
	var malformedErr *ErrMalformedRecord
	assert.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, OpSchema, malformedErr.Opcode)

	_, err = DecodeChannel(nil)
	assert.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, OpChannel, malformedErr.Opcode)

	_, err = DecodeMessage([]byte{0, 0})
	assert.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, OpMessage, malformedErr.Opcode)

	_, err = DecodeFooter([]byte{0})
	assert.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, OpFooter, malformedErr.Opcode)
}
