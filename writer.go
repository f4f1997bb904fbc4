package mcap

import (
	"fmt"
	"io"
)

// writerState tracks C3's lifecycle: Init -> Data -> Ended -> Closed
// (WriteHeader moves Init straight to Data; stateHeader is never entered).
// A call made in the wrong state returns an ErrUsage error, and a second
// Close returns ErrWriterClosed, never a panic.
type writerState int

const (
	stateInit writerState = iota
	stateHeader
	stateData
	stateEnded
	stateClosed
)

// WriterOptions configures a Writer. Every behavior is explicit here; the
// writer infers nothing from the data it is given.
type WriterOptions struct {
	// Chunked enables the chunk/compress/index pipeline. If false, Schemas,
	// Channels and Messages are written directly to the data section and
	// no MessageIndex/ChunkIndex records are produced.
	Chunked bool
	// ChunkSize is the uncompressed inner-stream byte threshold that
	// triggers a flush. Defaults to 4 MiB if zero and Chunked is true.
	ChunkSize int64
	// Compression selects the chunk codec. Ignored if Chunked is false.
	Compression CompressionFormat
	// CompressHandlers overrides the compressor registry; defaults to
	// DefaultCompressHandlers().
	CompressHandlers CompressHandlers

	IncludeCRC bool // compute DataEnd/Footer CRCs over the data/summary sections

	SkipMessageIndex    bool // omit MessageIndex records after each chunk
	SkipStatistics      bool
	SkipChunkIndex      bool
	SkipAttachmentIndex bool
	SkipMetadataIndex   bool
	SkipSummaryOffsets  bool

	// Every registered Schema and Channel record is written to the summary
	// section whatever these two are set to; they do not change the output.
	RepeatSchemas  bool
	RepeatChannels bool

	// SortChunkMessages reorders each chunk's Message records (and its
	// MessageIndex entries) into log_time order before it is compressed
	// and written. Unordered writes are legal per spec; this trades a
	// per-flush insertion sort for chunks whose messages then iterate
	// without any per-chunk reordering downstream.
	SortChunkMessages bool

	StartChannelID uint16 // first id RegisterChannel assigns; deterministic test fixtures want this pinned
}

// Writer is C3: it owns file layout (magic, Header, chunked or flat Data,
// DataEnd, summary section, Footer, trailing magic) and the bookkeeping
// (Statistics, ChunkIndexes, Attachment/MetadataIndexes) needed to produce
// the summary.
type Writer struct {
	w     *writeSizer
	state writerState
	opts  *WriterOptions

	schemas  map[uint16]*Schema
	channels map[uint16]*Channel
	schemaOrder  []uint16
	channelOrder []uint16
	nextSchemaID  uint16
	nextChannelID uint16

	chunk             *ChunkBuilder
	compressHandlers  CompressHandlers

	Statistics        *Statistics
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex

	msgbuf []byte // scratch buffer reused across single-record writes
}

// NewWriter returns a Writer that writes the leading magic immediately.
func NewWriter(w io.Writer, opts *WriterOptions) (*Writer, error) {
	if opts == nil {
		opts = &WriterOptions{}
	}
	if opts.Chunked && opts.ChunkSize == 0 {
		opts.ChunkSize = 4 * 1024 * 1024
	}
	handlers := opts.CompressHandlers
	if handlers == nil {
		handlers = DefaultCompressHandlers()
	}
	sizer := newWriteSizer(w)
	if _, err := sizer.Write(Magic); err != nil {
		return nil, &IoError{Err: err}
	}
	wr := &Writer{
		w:                sizer,
		state:            stateInit,
		opts:             opts,
		schemas:          make(map[uint16]*Schema),
		channels:         make(map[uint16]*Channel),
		nextSchemaID:     1,
		nextChannelID:    opts.StartChannelID,
		compressHandlers: handlers,
		msgbuf:           make([]byte, 256),
		Statistics: &Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	if opts.Chunked {
		handler, ok := handlers[opts.Compression]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, opts.Compression)
		}
		cb, err := NewChunkBuilder(opts.Compression, handler)
		if err != nil {
			return nil, err
		}
		wr.chunk = cb
	}
	return wr, nil
}

func (w *Writer) ensureBuf(n int) []byte {
	if len(w.msgbuf) < n {
		w.msgbuf = make([]byte, n*2)
	}
	return w.msgbuf
}

func (w *Writer) writeRecord(op OpCode, payload []byte) (int, error) {
	var hdr [9]byte
	putRecordHeader(hdr[:], op, len(payload))
	n, err := w.w.Write(hdr[:])
	if err != nil {
		return n, &IoError{Err: err}
	}
	m, err := w.w.Write(payload)
	if err != nil {
		return n + m, &IoError{Err: err}
	}
	return n + m, nil
}

// WriteHeader writes the Header record and transitions to the Data state.
// It is a UsageError to call it more than once.
func (w *Writer) WriteHeader(h *Header) error {
	if w.state != stateInit {
		return fmt.Errorf("%w: header already written", ErrUsage)
	}
	buf := w.ensureBuf(sizeHeader(h))
	n := EncodeHeader(buf, h)
	if _, err := w.writeRecord(OpHeader, buf[:n]); err != nil {
		return err
	}
	w.state = stateData
	return nil
}

// RegisterSchema assigns the next free schema ID (or honors s.ID if already
// set) and writes a Schema record in the current chunk or, if chunking is
// disabled, directly to the data section.
func (w *Writer) RegisterSchema(s *Schema) (uint16, error) {
	if w.state != stateData {
		return 0, fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if s.ID == 0 {
		s.ID = w.nextSchemaID
	}
	if existing, ok := w.schemas[s.ID]; ok {
		if !schemasEqual(existing, s) {
			return 0, &ErrInconsistentRecord{Opcode: OpSchema, ID: s.ID}
		}
	} else {
		w.schemas[s.ID] = s
		w.schemaOrder = append(w.schemaOrder, s.ID)
		w.Statistics.SchemaCount++
		if s.ID >= w.nextSchemaID {
			w.nextSchemaID = s.ID + 1
		}
	}
	if err := w.emitSchema(s, false); err != nil {
		return 0, err
	}
	return s.ID, nil
}

func schemasEqual(a, b *Schema) bool {
	if a.Name != b.Name || a.Encoding != b.Encoding || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func (w *Writer) emitSchema(s *Schema, isSummary bool) error {
	if w.opts.Chunked && !isSummary {
		w.chunk.AddSchema(s, false)
		return w.maybeFlush()
	}
	buf := w.ensureBuf(sizeSchema(s))
	n := EncodeSchema(buf, s)
	_, err := w.writeRecord(OpSchema, buf[:n])
	return err
}

// RegisterChannel assigns the next free channel ID (or honors c.ID if
// already set) and writes a Channel record. The channel's SchemaID must
// already be registered, unless it is zero (schemaless).
func (w *Writer) RegisterChannel(c *Channel) (uint16, error) {
	if w.state != stateData {
		return 0, fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if c.SchemaID != 0 {
		if _, ok := w.schemas[c.SchemaID]; !ok {
			return 0, &ErrUnknownSchemaRef{SchemaID: c.SchemaID}
		}
	}
	if c.ID == 0 {
		c.ID = w.nextChannelID
	}
	if existing, ok := w.channels[c.ID]; ok {
		if !channelsEqual(existing, c) {
			return 0, &ErrInconsistentRecord{Opcode: OpChannel, ID: c.ID}
		}
	} else {
		w.channels[c.ID] = c
		w.channelOrder = append(w.channelOrder, c.ID)
		w.Statistics.ChannelCount++
		if c.ID >= w.nextChannelID {
			w.nextChannelID = c.ID + 1
		}
	}
	if err := w.emitChannel(c, false); err != nil {
		return 0, err
	}
	return c.ID, nil
}

func channelsEqual(a, b *Channel) bool {
	if a.SchemaID != b.SchemaID || a.Topic != b.Topic || a.MessageEncoding != b.MessageEncoding {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if b.Metadata[k] != v {
			return false
		}
	}
	return true
}

func (w *Writer) emitChannel(c *Channel, isSummary bool) error {
	if w.opts.Chunked && !isSummary {
		w.chunk.AddChannel(c, false)
		return w.maybeFlush()
	}
	buf := w.ensureBuf(sizeChannel(c))
	n := EncodeChannel(buf, c)
	_, err := w.writeRecord(OpChannel, buf[:n])
	return err
}

// WriteMessage appends a Message. Unordered writes (log_time decreasing
// relative to the previous message on the same channel) are accepted; only
// the writer's min/max bookkeeping cares about ordering.
func (w *Writer) WriteMessage(m *Message) error {
	if w.state != stateData {
		return fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if _, ok := w.channels[m.ChannelID]; !ok {
		return &ErrUnknownChannel{ChannelID: m.ChannelID}
	}
	w.Statistics.ChannelMessageCounts[m.ChannelID]++
	w.Statistics.MessageCount++
	if m.LogTime > w.Statistics.MessageEndTime {
		w.Statistics.MessageEndTime = m.LogTime
	}
	if w.Statistics.MessageStartTime == 0 || m.LogTime < w.Statistics.MessageStartTime {
		w.Statistics.MessageStartTime = m.LogTime
	}
	if w.opts.Chunked {
		w.chunk.AddMessage(m)
		return w.maybeFlush()
	}
	buf := w.ensureBuf(sizeMessage(m))
	n := EncodeMessage(buf, m)
	_, err := w.writeRecord(OpMessage, buf[:n])
	return err
}

func (w *Writer) maybeFlush() error {
	if w.chunk.Len() >= w.opts.ChunkSize {
		return w.flushActiveChunk()
	}
	return nil
}

func (w *Writer) flushActiveChunk() error {
	if w.chunk.Len() == 0 {
		return nil
	}
	chunk, indexes, err := w.chunk.Finish(w.opts.SortChunkMessages)
	if err != nil {
		return err
	}
	chunkStart := w.w.Size()
	payload := make([]byte, 8+8+8+4+4+len(chunk.Compression)+8+len(chunk.Records))
	offset := putUint64(payload, chunk.MessageStartTime)
	offset += putUint64(payload[offset:], chunk.MessageEndTime)
	offset += putUint64(payload[offset:], chunk.UncompressedSize)
	offset += putUint32(payload[offset:], chunk.UncompressedCRC)
	offset += putPrefixedString(payload[offset:], string(chunk.Compression))
	offset += putUint64(payload[offset:], uint64(len(chunk.Records)))
	offset += copy(payload[offset:], chunk.Records)
	if _, err := w.writeRecord(OpChunk, payload[:offset]); err != nil {
		return err
	}
	chunkEnd := w.w.Size()

	messageIndexOffsets := make(map[uint16]uint64, len(indexes))
	if !w.opts.SkipMessageIndex {
		for _, idx := range indexes {
			messageIndexOffsets[idx.ChannelID] = w.w.Size()
			if err := w.writeMessageIndex(idx); err != nil {
				return err
			}
		}
	}
	messageIndexEnd := w.w.Size()

	w.ChunkIndexes = append(w.ChunkIndexes, &ChunkIndex{
		MessageStartTime:    chunk.MessageStartTime,
		MessageEndTime:      chunk.MessageEndTime,
		ChunkStartOffset:    chunkStart,
		ChunkLength:         chunkEnd - chunkStart,
		MessageIndexOffsets: messageIndexOffsets,
		MessageIndexLength:  messageIndexEnd - chunkEnd,
		Compression:         chunk.Compression,
		CompressedSize:      uint64(len(chunk.Records)),
		UncompressedSize:    chunk.UncompressedSize,
	})
	w.Statistics.ChunkCount++
	w.chunk.Reset()
	return nil
}

func (w *Writer) writeMessageIndex(idx *MessageIndex) error {
	entries := idx.Entries()
	datalen := len(entries) * 16
	buf := w.ensureBuf(2 + 4 + datalen)
	offset := putUint16(buf, idx.ChannelID)
	offset += putUint32(buf[offset:], uint32(datalen))
	for _, e := range entries {
		offset += putUint64(buf[offset:], e.Timestamp)
		offset += putUint64(buf[offset:], e.Offset)
	}
	_, err := w.writeRecord(OpMessageIndex, buf[:offset])
	return err
}

// WriteAttachment flushes any open chunk (attachments cannot live inside a
// chunk), writes the Attachment record, and appends an AttachmentIndex.
func (w *Writer) WriteAttachment(a *Attachment) error {
	if w.state != stateData {
		return fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if w.opts.Chunked {
		if err := w.flushActiveChunk(); err != nil {
			return err
		}
	}
	offset := w.w.Size()
	buf := make([]byte, sizeAttachment(a))
	n := EncodeAttachment(buf, a)
	length, err := w.writeRecord(OpAttachment, buf[:n])
	if err != nil {
		return err
	}
	w.AttachmentIndexes = append(w.AttachmentIndexes, &AttachmentIndex{
		Offset: offset, Length: uint64(length), LogTime: a.LogTime, CreateTime: a.CreateTime,
		DataSize: uint64(len(a.Data)), Name: a.Name, MediaType: a.MediaType,
	})
	w.Statistics.AttachmentCount++
	return nil
}

// WriteMetadata flushes any open chunk, writes the Metadata record, and
// appends a MetadataIndex.
func (w *Writer) WriteMetadata(m *Metadata) error {
	if w.state != stateData {
		return fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if w.opts.Chunked {
		if err := w.flushActiveChunk(); err != nil {
			return err
		}
	}
	offset := w.w.Size()
	buf := w.ensureBuf(sizeMetadata(m))
	n := EncodeMetadata(buf, m)
	length, err := w.writeRecord(OpMetadata, buf[:n])
	if err != nil {
		return err
	}
	w.MetadataIndexes = append(w.MetadataIndexes, &MetadataIndex{Offset: offset, Length: uint64(length), Name: m.Name})
	w.Statistics.MetadataCount++
	return nil
}

func (w *Writer) writeChunkIndex(idx *ChunkIndex) error {
	buf := w.ensureBuf(sizeChunkIndex(idx))
	n := EncodeChunkIndex(buf, idx, w.channelOrder)
	_, err := w.writeRecord(OpChunkIndex, buf[:n])
	return err
}

func (w *Writer) writeStatistics() error {
	buf := w.ensureBuf(sizeStatistics(w.Statistics, w.channelOrder))
	n := EncodeStatistics(buf, w.Statistics, w.channelOrder)
	_, err := w.writeRecord(OpStatistics, buf[:n])
	return err
}

func (w *Writer) writeAttachmentIndex(idx *AttachmentIndex) error {
	buf := w.ensureBuf(8 + 8 + 8 + 8 + 8 + 4 + len(idx.Name) + 4 + len(idx.MediaType))
	offset := putUint64(buf, idx.Offset)
	offset += putUint64(buf[offset:], idx.Length)
	offset += putUint64(buf[offset:], idx.LogTime)
	offset += putUint64(buf[offset:], idx.CreateTime)
	offset += putUint64(buf[offset:], idx.DataSize)
	offset += putPrefixedString(buf[offset:], idx.Name)
	offset += putPrefixedString(buf[offset:], idx.MediaType)
	_, err := w.writeRecord(OpAttachmentIndex, buf[:offset])
	return err
}

func (w *Writer) writeMetadataIndex(idx *MetadataIndex) error {
	buf := w.ensureBuf(8 + 8 + 4 + len(idx.Name))
	offset := putUint64(buf, idx.Offset)
	offset += putUint64(buf[offset:], idx.Length)
	offset += putPrefixedString(buf[offset:], idx.Name)
	_, err := w.writeRecord(OpMetadataIndex, buf[:offset])
	return err
}

func (w *Writer) writeSummaryOffset(s *SummaryOffset) error {
	buf := w.ensureBuf(1 + 8 + 8)
	n := EncodeSummaryOffset(buf, s)
	_, err := w.writeRecord(OpSummaryOffset, buf[:n])
	return err
}

func (w *Writer) writeSummarySection() ([]*SummaryOffset, error) {
	var offsets []*SummaryOffset

	group := func(op OpCode, nonEmpty bool, emit func() error) error {
		if !nonEmpty {
			return nil
		}
		start := w.w.Size()
		if err := emit(); err != nil {
			return err
		}
		offsets = append(offsets, &SummaryOffset{GroupOpcode: op, GroupStart: start, GroupLength: w.w.Size() - start})
		return nil
	}

	if err := group(OpSchema, len(w.schemas) > 0, func() error {
		for _, id := range w.schemaOrder {
			if err := w.emitSchema(w.schemas[id], true); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to write schema summary group: %w", err)
	}
	if err := group(OpChannel, len(w.channels) > 0, func() error {
		for _, id := range w.channelOrder {
			if err := w.emitChannel(w.channels[id], true); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to write channel summary group: %w", err)
	}
	if !w.opts.SkipChunkIndex {
		if err := group(OpChunkIndex, len(w.ChunkIndexes) > 0, func() error {
			for _, idx := range w.ChunkIndexes {
				if err := w.writeChunkIndex(idx); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to write chunk index summary group: %w", err)
		}
	}
	if !w.opts.SkipAttachmentIndex {
		if err := group(OpAttachmentIndex, len(w.AttachmentIndexes) > 0, func() error {
			for _, idx := range w.AttachmentIndexes {
				if err := w.writeAttachmentIndex(idx); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to write attachment index summary group: %w", err)
		}
	}
	if !w.opts.SkipMetadataIndex {
		if err := group(OpMetadataIndex, len(w.MetadataIndexes) > 0, func() error {
			for _, idx := range w.MetadataIndexes {
				if err := w.writeMetadataIndex(idx); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to write metadata index summary group: %w", err)
		}
	}
	// Statistics is emitted last; see the Open Question on Statistics
	// placement: readers should accept either position, but new writers
	// SHOULD put it last.
	if !w.opts.SkipStatistics {
		if err := group(OpStatistics, true, w.writeStatistics); err != nil {
			return nil, fmt.Errorf("failed to write statistics summary group: %w", err)
		}
	}
	return offsets, nil
}

// Close flushes any open chunk, writes DataEnd, the summary section,
// SummaryOffset run, Footer, and trailing magic. It transitions to Closed;
// a further Close returns ErrWriterClosed and any other call returns an
// ErrUsage error.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return ErrWriterClosed
	}
	if w.state != stateData {
		return fmt.Errorf("%w: writer not in data state", ErrUsage)
	}
	if w.opts.Chunked {
		if err := w.flushActiveChunk(); err != nil {
			w.state = stateClosed
			return err
		}
	}
	w.state = stateEnded

	var dataCRC uint32
	if w.opts.IncludeCRC {
		dataCRC = w.w.Checksum()
	}
	buf := w.ensureBuf(4)
	n := EncodeDataEnd(buf, &DataEnd{DataSectionCRC: dataCRC})
	if _, err := w.writeRecord(OpDataEnd, buf[:n]); err != nil {
		w.state = stateClosed
		return &IoError{Err: err}
	}

	if w.opts.IncludeCRC {
		w.w.ResetCRC()
	}
	summaryStart := w.w.Size()
	offsets, err := w.writeSummarySection()
	if err != nil {
		w.state = stateClosed
		return err
	}
	if len(offsets) == 0 {
		summaryStart = 0
	}
	var summaryOffsetStart uint64
	if !w.opts.SkipSummaryOffsets {
		summaryOffsetStart = w.w.Size()
		for _, o := range offsets {
			if err := w.writeSummaryOffset(o); err != nil {
				w.state = stateClosed
				return err
			}
		}
	}
	var summaryCRC uint32
	if w.opts.IncludeCRC {
		summaryCRC = w.w.Checksum()
	}
	footerBuf := w.ensureBuf(20)
	fn := EncodeFooter(footerBuf, &Footer{
		SummaryStart:       summaryStart,
		SummaryOffsetStart: summaryOffsetStart,
		SummaryCRC:         summaryCRC,
	})
	if _, err := w.writeRecord(OpFooter, footerBuf[:fn]); err != nil {
		w.state = stateClosed
		return &IoError{Err: err}
	}
	if _, err := w.w.Write(Magic); err != nil {
		w.state = stateClosed
		return &IoError{Err: err}
	}
	w.state = stateClosed
	return nil
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() uint64 {
	return w.w.Size()
}
