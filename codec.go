package mcap

import (
	"fmt"
	"hash/crc32"
)

// This file is C1, the record codec: a DecodeX for every record type, an
// EncodeX for every record type except Chunk, MessageIndex, AttachmentIndex
// and MetadataIndex (writer.go encodes those inline), plus the generic
// opcode+length envelope shared by every record. EncodeX writes into a
// caller-supplied buffer and returns the number of bytes used; callers size
// the buffer with sizeX first where one exists. DecodeX parses a
// record's payload (the bytes strictly between the length field and the
// next record) and tolerates trailing bytes past the known field set, per
// the forward-compatibility rule: only the framed length delimits a record.

// putRecordHeader writes the 9-byte opcode+length envelope into buf.
func putRecordHeader(buf []byte, op OpCode, payloadLen int) int {
	offset := putByte(buf, byte(op))
	offset += putUint64(buf[offset:], uint64(payloadLen))
	return offset
}

// minRecordLen reports the minimum decodable payload size for an opcode,
// used to reject truncated records with a MalformedRecord error before
// field-level parsing would panic on a short slice.
func minRecordLen(op OpCode) int {
	switch op {
	case OpHeader:
		return 4 + 4
	case OpFooter:
		return 8 + 8 + 4
	case OpSchema:
		return 2 + 4 + 4 + 4
	case OpChannel:
		return 2 + 2 + 4 + 4 + 4
	case OpMessage:
		return 2 + 4 + 8 + 8
	case OpChunk:
		return 8 + 8 + 8 + 4 + 4 + 8
	case OpMessageIndex:
		return 2 + 4
	case OpChunkIndex:
		return 8 + 8 + 8 + 8 + 4 + 8 + 4 + 8 + 8
	case OpAttachment:
		return 8 + 8 + 4 + 4 + 8 + 4
	case OpAttachmentIndex:
		return 8 + 8 + 8 + 8 + 8 + 4 + 4
	case OpStatistics:
		return 8 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 4
	case OpMetadata:
		return 4 + 4
	case OpMetadataIndex:
		return 8 + 8 + 4
	case OpSummaryOffset:
		return 1 + 8 + 8
	case OpDataEnd:
		return 4
	default:
		return 0
	}
}

func malformed(op OpCode, reason string) error {
	return &ErrMalformedRecord{Opcode: op, Reason: reason}
}

func checkMinLen(op OpCode, buf []byte) error {
	if len(buf) < minRecordLen(op) {
		return malformed(op, fmt.Sprintf("payload too short (%d bytes)", len(buf)))
	}
	return nil
}

func sizeHeader(h *Header) int { return 4 + len(h.Profile) + 4 + len(h.Library) }

func EncodeHeader(buf []byte, h *Header) int {
	offset := putPrefixedString(buf, h.Profile)
	offset += putPrefixedString(buf[offset:], h.Library)
	return offset
}

func DecodeHeader(buf []byte) (*Header, error) {
	if err := checkMinLen(OpHeader, buf); err != nil {
		return nil, err
	}
	profile, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, malformed(OpHeader, err.Error())
	}
	library, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpHeader, err.Error())
	}
	return &Header{Profile: profile, Library: library}, nil
}

func EncodeFooter(buf []byte, f *Footer) int {
	offset := putUint64(buf, f.SummaryStart)
	offset += putUint64(buf[offset:], f.SummaryOffsetStart)
	offset += putUint32(buf[offset:], f.SummaryCRC)
	return offset
}

func DecodeFooter(buf []byte) (*Footer, error) {
	if err := checkMinLen(OpFooter, buf); err != nil {
		return nil, err
	}
	summaryStart, offset, _ := getUint64(buf, 0)
	summaryOffsetStart, offset, _ := getUint64(buf, offset)
	summaryCRC, _, _ := getUint32(buf, offset)
	return &Footer{SummaryStart: summaryStart, SummaryOffsetStart: summaryOffsetStart, SummaryCRC: summaryCRC}, nil
}

func sizeSchema(s *Schema) int { return 2 + 4 + len(s.Name) + 4 + len(s.Encoding) + 4 + len(s.Data) }

func EncodeSchema(buf []byte, s *Schema) int {
	offset := putUint16(buf, s.ID)
	offset += putPrefixedString(buf[offset:], s.Name)
	offset += putPrefixedString(buf[offset:], s.Encoding)
	offset += putPrefixedBytes(buf[offset:], s.Data)
	return offset
}

func DecodeSchema(buf []byte) (*Schema, error) {
	if err := checkMinLen(OpSchema, buf); err != nil {
		return nil, err
	}
	id, offset, _ := getUint16(buf, 0)
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpSchema, err.Error())
	}
	encoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpSchema, err.Error())
	}
	data, _, err := getPrefixedBytes(buf, offset)
	if err != nil {
		return nil, malformed(OpSchema, err.Error())
	}
	return &Schema{ID: id, Name: name, Encoding: encoding, Data: append([]byte(nil), data...)}, nil
}

func sizeChannel(c *Channel) int {
	return 2 + 2 + 4 + len(c.Topic) + 4 + len(c.MessageEncoding) + sizePrefixedMap(c.Metadata)
}

func EncodeChannel(buf []byte, c *Channel) int {
	offset := putUint16(buf, c.ID)
	offset += putUint16(buf[offset:], c.SchemaID)
	offset += putPrefixedString(buf[offset:], c.Topic)
	offset += putPrefixedString(buf[offset:], c.MessageEncoding)
	offset += putPrefixedMap(buf[offset:], c.Metadata)
	return offset
}

func DecodeChannel(buf []byte) (*Channel, error) {
	if err := checkMinLen(OpChannel, buf); err != nil {
		return nil, err
	}
	id, offset, _ := getUint16(buf, 0)
	schemaID, offset, _ := getUint16(buf, offset)
	topic, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpChannel, err.Error())
	}
	encoding, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpChannel, err.Error())
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, malformed(OpChannel, err.Error())
	}
	return &Channel{ID: id, SchemaID: schemaID, Topic: topic, MessageEncoding: encoding, Metadata: metadata}, nil
}

func sizeMessage(m *Message) int { return 2 + 4 + 8 + 8 + len(m.Data) }

func EncodeMessage(buf []byte, m *Message) int {
	offset := putUint16(buf, m.ChannelID)
	offset += putUint32(buf[offset:], m.Sequence)
	offset += putUint64(buf[offset:], m.LogTime)
	offset += putUint64(buf[offset:], m.PublishTime)
	offset += copy(buf[offset:], m.Data)
	return offset
}

func DecodeMessage(buf []byte) (*Message, error) {
	if err := checkMinLen(OpMessage, buf); err != nil {
		return nil, err
	}
	m := &Message{}
	if err := m.PopulateFrom(buf, true); err != nil {
		return nil, malformed(OpMessage, err.Error())
	}
	return m, nil
}

func DecodeChunk(buf []byte) (*Chunk, error) {
	if err := checkMinLen(OpChunk, buf); err != nil {
		return nil, err
	}
	start, offset, _ := getUint64(buf, 0)
	end, offset, _ := getUint64(buf, offset)
	uncompressedSize, offset, _ := getUint64(buf, offset)
	uncompressedCRC, offset, _ := getUint32(buf, offset)
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpChunk, err.Error())
	}
	recordsLen, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, malformed(OpChunk, err.Error())
	}
	if offset+int(recordsLen) > len(buf) {
		return nil, malformed(OpChunk, "records length exceeds record payload")
	}
	return &Chunk{
		MessageStartTime: start,
		MessageEndTime:   end,
		UncompressedSize: uncompressedSize,
		UncompressedCRC:  uncompressedCRC,
		Compression:      CompressionFormat(compression),
		Records:          buf[offset : offset+int(recordsLen)],
	}, nil
}

func DecodeMessageIndex(buf []byte) (*MessageIndex, error) {
	if err := checkMinLen(OpMessageIndex, buf); err != nil {
		return nil, err
	}
	channelID, offset, _ := getUint16(buf, 0)
	byteLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, malformed(OpMessageIndex, err.Error())
	}
	end := offset + int(byteLen)
	if end > len(buf) {
		return nil, malformed(OpMessageIndex, "entries length exceeds record payload")
	}
	records := make([]MessageIndexEntry, 0, byteLen/16)
	for offset < end {
		var ts, off uint64
		ts, offset, _ = getUint64(buf, offset)
		off, offset, _ = getUint64(buf, offset)
		records = append(records, MessageIndexEntry{Timestamp: ts, Offset: off})
	}
	return &MessageIndex{ChannelID: channelID, Records: records, current: len(records)}, nil
}

func sizeChunkIndex(idx *ChunkIndex) int {
	msgIdxLen := len(idx.MessageIndexOffsets) * (2 + 8)
	return 8 + 8 + 8 + 8 + 4 + msgIdxLen + 8 + 4 + len(idx.Compression) + 8 + 8
}

// EncodeChunkIndex writes a ChunkIndex record. channelOrder, when non-nil,
// fixes the iteration order of MessageIndexOffsets (a map) so writer output
// is deterministic; entries for ids not present in channelOrder are appended
// afterward in map order, so passing nil still produces a valid (if
// unordered) record.
func EncodeChunkIndex(buf []byte, idx *ChunkIndex, channelOrder []uint16) int {
	msgIdxLen := len(idx.MessageIndexOffsets) * (2 + 8)
	offset := putUint64(buf, idx.MessageStartTime)
	offset += putUint64(buf[offset:], idx.MessageEndTime)
	offset += putUint64(buf[offset:], idx.ChunkStartOffset)
	offset += putUint64(buf[offset:], idx.ChunkLength)
	offset += putUint32(buf[offset:], uint32(msgIdxLen))
	written := make(map[uint16]bool, len(idx.MessageIndexOffsets))
	for _, id := range channelOrder {
		if v, ok := idx.MessageIndexOffsets[id]; ok {
			offset += putUint16(buf[offset:], id)
			offset += putUint64(buf[offset:], v)
			written[id] = true
		}
	}
	for id, v := range idx.MessageIndexOffsets {
		if written[id] {
			continue
		}
		offset += putUint16(buf[offset:], id)
		offset += putUint64(buf[offset:], v)
	}
	offset += putUint64(buf[offset:], idx.MessageIndexLength)
	offset += putPrefixedString(buf[offset:], string(idx.Compression))
	offset += putUint64(buf[offset:], idx.CompressedSize)
	offset += putUint64(buf[offset:], idx.UncompressedSize)
	return offset
}

func DecodeChunkIndex(buf []byte) (*ChunkIndex, error) {
	if err := checkMinLen(OpChunkIndex, buf); err != nil {
		return nil, err
	}
	start, offset, _ := getUint64(buf, 0)
	end, offset, _ := getUint64(buf, offset)
	chunkStart, offset, _ := getUint64(buf, offset)
	chunkLen, offset, _ := getUint64(buf, offset)
	msgIdxLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, malformed(OpChunkIndex, err.Error())
	}
	msgIdxEnd := offset + int(msgIdxLen)
	if msgIdxEnd > len(buf) {
		return nil, malformed(OpChunkIndex, "message index offsets length exceeds record payload")
	}
	offsets := make(map[uint16]uint64)
	for offset < msgIdxEnd {
		var channelID uint16
		var indexOffset uint64
		channelID, offset, _ = getUint16(buf, offset)
		indexOffset, offset, _ = getUint64(buf, offset)
		offsets[channelID] = indexOffset
	}
	msgIdxRecordLen, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, malformed(OpChunkIndex, err.Error())
	}
	compression, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpChunkIndex, err.Error())
	}
	compressedSize, offset, _ := getUint64(buf, offset)
	uncompressedSize, _, err := getUint64(buf, offset)
	if err != nil {
		return nil, malformed(OpChunkIndex, err.Error())
	}
	return &ChunkIndex{
		MessageStartTime:    start,
		MessageEndTime:      end,
		ChunkStartOffset:    chunkStart,
		ChunkLength:         chunkLen,
		MessageIndexOffsets: offsets,
		MessageIndexLength:  msgIdxRecordLen,
		Compression:         CompressionFormat(compression),
		CompressedSize:      compressedSize,
		UncompressedSize:    uncompressedSize,
	}, nil
}

func sizeAttachment(a *Attachment) int {
	return 8 + 8 + 4 + len(a.Name) + 4 + len(a.MediaType) + 8 + len(a.Data) + 4
}

// EncodeAttachment writes a complete Attachment record payload, including
// the trailing CRC32/IEEE computed over the preceding fields.
func EncodeAttachment(buf []byte, a *Attachment) int {
	offset := putUint64(buf, a.LogTime)
	offset += putUint64(buf[offset:], a.CreateTime)
	offset += putPrefixedString(buf[offset:], a.Name)
	offset += putPrefixedString(buf[offset:], a.MediaType)
	offset += putUint64(buf[offset:], uint64(len(a.Data)))
	offset += copy(buf[offset:], a.Data)
	crc := crc32.ChecksumIEEE(buf[:offset])
	offset += putUint32(buf[offset:], crc)
	return offset
}

func DecodeAttachment(buf []byte) (*Attachment, error) {
	if err := checkMinLen(OpAttachment, buf); err != nil {
		return nil, err
	}
	logTime, offset, _ := getUint64(buf, 0)
	createTime, offset, _ := getUint64(buf, offset)
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachment, err.Error())
	}
	mediaType, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachment, err.Error())
	}
	dataLen, offset, err := getUint64(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachment, err.Error())
	}
	if dataLen > uint64(len(buf)-offset) {
		return nil, malformed(OpAttachment, "data length exceeds record payload")
	}
	data := buf[offset : offset+int(dataLen)]
	offset += int(dataLen)
	crc, _, err := getUint32(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachment, err.Error())
	}
	if err := checkCRC(crc, crc32.ChecksumIEEE(buf[:offset])); err != nil {
		return nil, err
	}
	return &Attachment{LogTime: logTime, CreateTime: createTime, Name: name, MediaType: mediaType, Data: data}, nil
}

func DecodeAttachmentIndex(buf []byte) (*AttachmentIndex, error) {
	if err := checkMinLen(OpAttachmentIndex, buf); err != nil {
		return nil, err
	}
	offsetVal, offset, _ := getUint64(buf, 0)
	length, offset, _ := getUint64(buf, offset)
	logTime, offset, _ := getUint64(buf, offset)
	createTime, offset, _ := getUint64(buf, offset)
	dataSize, offset, _ := getUint64(buf, offset)
	name, offset, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachmentIndex, err.Error())
	}
	mediaType, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpAttachmentIndex, err.Error())
	}
	return &AttachmentIndex{
		Offset: offsetVal, Length: length, LogTime: logTime, CreateTime: createTime,
		DataSize: dataSize, Name: name, MediaType: mediaType,
	}, nil
}

func sizeStatistics(s *Statistics, channelOrder []uint16) int {
	return 8 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + len(channelOrderPresent(s, channelOrder))*(2+8)
}

func channelOrderPresent(s *Statistics, channelOrder []uint16) []uint16 {
	out := make([]uint16, 0, len(s.ChannelMessageCounts))
	for _, id := range channelOrder {
		if _, ok := s.ChannelMessageCounts[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// EncodeStatistics writes the Statistics record, walking channelOrder (the
// writer's channel registration order) so the per-channel counts come out
// in a deterministic order rather than Go's randomized map order.
func EncodeStatistics(buf []byte, s *Statistics, channelOrder []uint16) int {
	offset := putUint64(buf, s.MessageCount)
	offset += putUint16(buf[offset:], s.SchemaCount)
	offset += putUint32(buf[offset:], s.ChannelCount)
	offset += putUint32(buf[offset:], s.AttachmentCount)
	offset += putUint32(buf[offset:], s.MetadataCount)
	offset += putUint32(buf[offset:], s.ChunkCount)
	offset += putUint64(buf[offset:], s.MessageStartTime)
	offset += putUint64(buf[offset:], s.MessageEndTime)
	present := channelOrderPresent(s, channelOrder)
	offset += putUint32(buf[offset:], uint32(len(present)*(2+8)))
	for _, id := range present {
		offset += putUint16(buf[offset:], id)
		offset += putUint64(buf[offset:], s.ChannelMessageCounts[id])
	}
	return offset
}

func DecodeStatistics(buf []byte) (*Statistics, error) {
	if err := checkMinLen(OpStatistics, buf); err != nil {
		return nil, err
	}
	messageCount, offset, _ := getUint64(buf, 0)
	schemaCount, offset, _ := getUint16(buf, offset)
	channelCount, offset, _ := getUint32(buf, offset)
	attachmentCount, offset, _ := getUint32(buf, offset)
	metadataCount, offset, _ := getUint32(buf, offset)
	chunkCount, offset, _ := getUint32(buf, offset)
	messageStartTime, offset, _ := getUint64(buf, offset)
	messageEndTime, offset, _ := getUint64(buf, offset)
	countsLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, malformed(OpStatistics, err.Error())
	}
	end := offset + int(countsLen)
	if end > len(buf) {
		return nil, malformed(OpStatistics, "channel message counts length exceeds record payload")
	}
	counts := make(map[uint16]uint64)
	for offset < end {
		var id uint16
		var n uint64
		id, offset, _ = getUint16(buf, offset)
		n, offset, _ = getUint64(buf, offset)
		counts[id] = n
	}
	return &Statistics{
		MessageCount: messageCount, SchemaCount: schemaCount, ChannelCount: channelCount,
		AttachmentCount: attachmentCount, MetadataCount: metadataCount, ChunkCount: chunkCount,
		MessageStartTime: messageStartTime, MessageEndTime: messageEndTime, ChannelMessageCounts: counts,
	}, nil
}

func sizeMetadata(m *Metadata) int { return 4 + len(m.Name) + sizePrefixedMap(m.Metadata) }

func EncodeMetadata(buf []byte, m *Metadata) int {
	offset := putPrefixedString(buf, m.Name)
	offset += putPrefixedMap(buf[offset:], m.Metadata)
	return offset
}

func DecodeMetadata(buf []byte) (*Metadata, error) {
	if err := checkMinLen(OpMetadata, buf); err != nil {
		return nil, err
	}
	name, offset, err := getPrefixedString(buf, 0)
	if err != nil {
		return nil, malformed(OpMetadata, err.Error())
	}
	metadata, _, err := getPrefixedMap(buf, offset)
	if err != nil {
		return nil, malformed(OpMetadata, err.Error())
	}
	return &Metadata{Name: name, Metadata: metadata}, nil
}

func DecodeMetadataIndex(buf []byte) (*MetadataIndex, error) {
	if err := checkMinLen(OpMetadataIndex, buf); err != nil {
		return nil, err
	}
	offsetVal, offset, _ := getUint64(buf, 0)
	length, offset, _ := getUint64(buf, offset)
	name, _, err := getPrefixedString(buf, offset)
	if err != nil {
		return nil, malformed(OpMetadataIndex, err.Error())
	}
	return &MetadataIndex{Offset: offsetVal, Length: length, Name: name}, nil
}

func EncodeSummaryOffset(buf []byte, s *SummaryOffset) int {
	offset := putByte(buf, byte(s.GroupOpcode))
	offset += putUint64(buf[offset:], s.GroupStart)
	offset += putUint64(buf[offset:], s.GroupLength)
	return offset
}

func DecodeSummaryOffset(buf []byte) (*SummaryOffset, error) {
	if err := checkMinLen(OpSummaryOffset, buf); err != nil {
		return nil, err
	}
	op := OpCode(buf[0])
	start, offset, _ := getUint64(buf, 1)
	length, _, _ := getUint64(buf, offset)
	return &SummaryOffset{GroupOpcode: op, GroupStart: start, GroupLength: length}, nil
}

func EncodeDataEnd(buf []byte, d *DataEnd) int {
	return putUint32(buf, d.DataSectionCRC)
}

func DecodeDataEnd(buf []byte) (*DataEnd, error) {
	if err := checkMinLen(OpDataEnd, buf); err != nil {
		return nil, err
	}
	crc, _, _ := getUint32(buf, 0)
	return &DataEnd{DataSectionCRC: crc}, nil
}
