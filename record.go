package mcap

import (
	"fmt"
	"math"
)

// Magic is the eight leading and trailing magic bytes of an MCAP file. The
// sixth byte is the format's major version.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', 0x30, '\r', '\n'}

// CompressionFormat names a chunk compression codec. Writers SHOULD use these
// values verbatim so that readers across implementations agree on meaning.
type CompressionFormat string

const (
	CompressionNone CompressionFormat = ""
	CompressionLZ4  CompressionFormat = "lz4"
	CompressionZSTD CompressionFormat = "zstd"
)

func (c CompressionFormat) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c)
}

// OpCode identifies the type of a record's payload. 0x10-0x7F is reserved
// for future well-known records; 0x80-0xFF is open to user extension.
// Readers MUST treat opcodes they do not recognize as opaque pass-throughs.
type OpCode byte

const (
	OpInvalid         OpCode = 0x00
	OpHeader          OpCode = 0x01
	OpFooter          OpCode = 0x02
	OpSchema          OpCode = 0x03
	OpChannel         OpCode = 0x04
	OpMessage         OpCode = 0x05
	OpChunk           OpCode = 0x06
	OpMessageIndex    OpCode = 0x07
	OpChunkIndex      OpCode = 0x08
	OpAttachment      OpCode = 0x09
	OpAttachmentIndex OpCode = 0x0A
	OpStatistics      OpCode = 0x0B
	OpMetadata        OpCode = 0x0C
	OpMetadataIndex   OpCode = 0x0D
	OpSummaryOffset   OpCode = 0x0E
	OpDataEnd         OpCode = 0x0F
)

func (c OpCode) String() string {
	switch c {
	case OpInvalid:
		return "invalid"
	case OpHeader:
		return "header"
	case OpFooter:
		return "footer"
	case OpSchema:
		return "schema"
	case OpChannel:
		return "channel"
	case OpMessage:
		return "message"
	case OpChunk:
		return "chunk"
	case OpMessageIndex:
		return "message index"
	case OpChunkIndex:
		return "chunk index"
	case OpAttachment:
		return "attachment"
	case OpAttachmentIndex:
		return "attachment index"
	case OpStatistics:
		return "statistics"
	case OpMetadata:
		return "metadata"
	case OpMetadataIndex:
		return "metadata index"
	case OpSummaryOffset:
		return "summary offset"
	case OpDataEnd:
		return "data end"
	default:
		return fmt.Sprintf("<unrecognized opcode 0x%02x>", byte(c))
	}
}

// Header is the first record in an MCAP file's data section.
type Header struct {
	Profile string
	Library string
}

// Footer is the fixed-size final record before the trailing magic. Unlike
// other records its layout may never be extended.
type Footer struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

// Schema describes the shape of messages on one or more channels. Any two
// Schema records sharing an ID must be byte-identical.
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

// Channel names a stream of messages sharing one schema and encoding. Any
// two Channel records sharing an ID must be byte-identical.
type Channel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

// Message is a single timestamped record on a channel. LogTime is the
// primary ordering key; PublishTime defaults to LogTime when the producer
// does not distinguish the two.
type Message struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

// PopulateFrom decodes a Message payload into m, reusing m.Data's backing
// array when copyData is true and cap(m.Data) is large enough.
func (m *Message) PopulateFrom(buf []byte, copyData bool) error {
	channelID, offset, err := getUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("failed to read channel id: %w", err)
	}
	sequence, offset, err := getUint32(buf, offset)
	if err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}
	logTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return fmt.Errorf("failed to read log time: %w", err)
	}
	publishTime, offset, err := getUint64(buf, offset)
	if err != nil {
		return fmt.Errorf("failed to read publish time: %w", err)
	}
	data := buf[offset:]
	m.ChannelID = channelID
	m.Sequence = sequence
	m.LogTime = logTime
	m.PublishTime = publishTime
	if copyData {
		m.Data = append(m.Data[:0], data...)
	} else {
		m.Data = data
	}
	return nil
}

// Chunk holds a batch of Schema, Channel, and Message records, optionally
// compressed. MessageStartTime/MessageEndTime bound the log times of the
// messages it contains and are zero for an empty chunk.
type Chunk struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      CompressionFormat
	Records          []byte
}

// MessageIndexEntry maps a message's log time to its byte offset within a
// chunk's uncompressed inner stream.
type MessageIndexEntry struct {
	Timestamp uint64
	Offset    uint64
}

// MessageIndex accumulates the (timestamp, offset) pairs for one channel's
// messages inside the chunk currently being built. The backing slice grows
// geometrically and is truncated, not reallocated, by Reset.
type MessageIndex struct {
	ChannelID uint16
	Records   []MessageIndexEntry
	current   int
}

func (idx *MessageIndex) Reset() {
	idx.current = 0
}

func (idx *MessageIndex) IsEmpty() bool {
	return idx.current == 0
}

func (idx *MessageIndex) Entries() []MessageIndexEntry {
	return idx.Records[:idx.current]
}

func (idx *MessageIndex) Add(timestamp, offset uint64) {
	if idx.current >= len(idx.Records) {
		records := make([]MessageIndexEntry, (len(idx.Records)+20)*2)
		copy(records, idx.Records)
		idx.Records = records
	}
	idx.Records[idx.current] = MessageIndexEntry{Timestamp: timestamp, Offset: offset}
	idx.current++
}

// ChunkIndex locates a Chunk record and its trailing MessageIndex run inside
// the file. One exists per Chunk, in the summary section.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         CompressionFormat
	CompressedSize      uint64
	UncompressedSize    uint64
}

// Attachment carries an auxiliary artifact (text, calibration data, a core
// dump) in the data section. Attachments never appear inside a chunk.
type Attachment struct {
	LogTime    uint64
	CreateTime uint64
	Name       string
	MediaType  string
	Data       []byte
}

// AttachmentIndex locates an Attachment record in the file. One exists per
// Attachment.
type AttachmentIndex struct {
	Offset     uint64
	Length     uint64
	LogTime    uint64
	CreateTime uint64
	DataSize   uint64
	Name       string
	MediaType  string
}

// Statistics aggregates counts and time bounds over the whole recording. The
// file should contain at most one.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

// Metadata carries arbitrary user key-value pairs in the data section.
type Metadata struct {
	Name     string
	Metadata map[string]string
}

// MetadataIndex locates a Metadata record in the file.
type MetadataIndex struct {
	Offset uint64
	Length uint64
	Name   string
}

// SummaryOffset locates one contiguous run of same-opcode records inside the
// summary section, enabling a reader to jump straight to a group.
type SummaryOffset struct {
	GroupOpcode OpCode
	GroupStart  uint64
	GroupLength uint64
}

// DataEnd marks the end of the data section and optionally carries a CRC
// over everything preceding it.
type DataEnd struct {
	DataSectionCRC uint32
}

// Info is the result of reading just the summary section of a file: enough
// to answer "what's in here" without touching the data section.
type Info struct {
	Header            *Header
	Footer            *Footer
	Statistics        *Statistics
	Schemas           map[uint16]*Schema
	Channels          map[uint16]*Channel
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex
}

// ChannelCounts maps topic name to message count, derived from Statistics.
func (i *Info) ChannelCounts() map[string]uint64 {
	counts := make(map[string]uint64, len(i.Channels))
	if i.Statistics == nil {
		return counts
	}
	for id, n := range i.Statistics.ChannelMessageCounts {
		if channel, ok := i.Channels[id]; ok {
			counts[channel.Topic] = n
		}
	}
	return counts
}

// CanReadMessagesUsingIndex reports whether messages can be located via
// ChunkIndex seeks rather than a full data-section scan.
func (i *Info) CanReadMessagesUsingIndex() bool {
	return len(i.ChunkIndexes) > 0 || (i.Statistics != nil && i.Statistics.MessageCount == 0)
}

// makeSafe allocates a buffer of size n, rejecting sizes that would not fit
// comfortably in an int on 32-bit platforms.
func makeSafe(n uint64) ([]byte, error) {
	if n < math.MaxInt32 {
		return make([]byte, n), nil
	}
	return nil, ErrRecordTooLarge
}
