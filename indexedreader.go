package mcap

import (
	"bytes"
	"container/heap"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/marlinrook/mcap/slicemap"
)

// ReadOrder selects the sequence messages are delivered in by ReadMessages.
type ReadOrder int

const (
	// FileOrder yields messages in the order their chunks appear in the
	// file, without regard to log time.
	FileOrder ReadOrder = iota
	// AscendingLogTime yields messages in nondecreasing log-time order.
	AscendingLogTime
	// DescendingLogTime yields messages in nonincreasing log-time order.
	DescendingLogTime
)

// IndexedReaderOptions configures C5.
type IndexedReaderOptions struct {
	// ValidateChunkCRC checks each chunk's decompressed bytes against its
	// UncompressedCRC (skipped when that field is zero).
	ValidateChunkCRC bool
	// DecompressHandlers resolves a chunk's compression string to a
	// decompressor; defaults to DefaultDecompressHandlers().
	DecompressHandlers DecompressHandlers
}

// IndexedReader is C5: a random-access reader that initializes from a
// file's Footer and summary section, then serves ReadMessages queries by
// seeking directly to the chunks that can possibly satisfy them.
//
// Built around this module's own rangeIndexHeap (see rangeheap.go) for the
// seek-summary-then-seek-chunks shape, reusing StreamReader to parse the
// summary section instead of a second bespoke record loop.
type IndexedReader struct {
	src  ReadSeekSizer
	opts IndexedReaderOptions

	Footer            *Footer
	Schemas           map[uint16]*Schema
	Channels          map[uint16]*Channel
	Statistics        *Statistics
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex

	// schemaSlots/channelSlots back Schemas/Channels while parsing: ids in
	// a recording are dense and small, so a slicemap avoids a Go map's
	// per-entry overhead for what is usually a few dozen channels.
	schemaSlots  []*Schema
	channelSlots []*Channel
}

// NewIndexedReader initializes an IndexedReader by reading src's trailing 28
// bytes, the Footer they describe, and the summary section the Footer
// points to. It returns ErrNotIndexed if the file carries no summary
// section, and ErrTruncatedTail/ErrBadMagic for a file too short or missing
// its magic bytes.
func NewIndexedReader(src ReadSeekSizer, opts *IndexedReaderOptions) (*IndexedReader, error) {
	if opts == nil {
		opts = &IndexedReaderOptions{}
	}
	o := *opts
	if o.DecompressHandlers == nil {
		o.DecompressHandlers = DefaultDecompressHandlers()
	}

	size, err := src.Size()
	if err != nil {
		return nil, &IoError{Err: err}
	}
	if size < int64(len(Magic))+28 {
		return nil, ErrTruncatedTail
	}

	leading := make([]byte, len(Magic))
	if _, err := src.ReadAt(leading, 0); err != nil {
		return nil, &IoError{Err: err}
	}
	if !bytes.Equal(leading, Magic) {
		return nil, &ErrBadMagic{Location: "leading", Actual: leading}
	}

	tail := make([]byte, 28)
	if _, err := src.ReadAt(tail, size-28); err != nil {
		return nil, &IoError{Err: err}
	}
	if !bytes.Equal(tail[20:], Magic) {
		return nil, &ErrBadMagic{Location: "trailing", Actual: tail[20:]}
	}
	footer, err := DecodeFooter(tail[:20])
	if err != nil {
		return nil, err
	}

	r := &IndexedReader{
		src:    src,
		opts:   o,
		Footer: footer,
	}
	if footer.SummaryStart == 0 {
		return nil, ErrNotIndexed
	}

	// Footer's own 9-byte record header precedes the fixed 20-byte payload
	// this module reads directly above; the summary section ends there.
	summaryEnd := size - 28 - 9
	if int64(footer.SummaryStart) > summaryEnd {
		return nil, malformed(OpFooter, "summary_start past footer")
	}
	summary := make([]byte, summaryEnd-int64(footer.SummaryStart))
	if _, err := src.ReadAt(summary, int64(footer.SummaryStart)); err != nil {
		return nil, &IoError{Err: err}
	}
	if err := r.parseSummarySection(summary); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *IndexedReader) parseSummarySection(buf []byte) error {
	sr := NewStreamReader(&StreamReaderOptions{SkipMagic: true})
	sr.Append(buf)
	for {
		rec, err := sr.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		switch rec.Opcode {
		case OpSchema:
			s, err := DecodeSchema(rec.Data)
			if err != nil {
				return err
			}
			r.schemaSlots = slicemap.SetAt(r.schemaSlots, s.ID, s)
		case OpChannel:
			c, err := DecodeChannel(rec.Data)
			if err != nil {
				return err
			}
			r.channelSlots = slicemap.SetAt(r.channelSlots, c.ID, c)
		case OpChunkIndex:
			idx, err := DecodeChunkIndex(rec.Data)
			if err != nil {
				return err
			}
			r.ChunkIndexes = append(r.ChunkIndexes, idx)
		case OpAttachmentIndex:
			idx, err := DecodeAttachmentIndex(rec.Data)
			if err != nil {
				return err
			}
			r.AttachmentIndexes = append(r.AttachmentIndexes, idx)
		case OpMetadataIndex:
			idx, err := DecodeMetadataIndex(rec.Data)
			if err != nil {
				return err
			}
			r.MetadataIndexes = append(r.MetadataIndexes, idx)
		case OpStatistics:
			stats, err := DecodeStatistics(rec.Data)
			if err != nil {
				return err
			}
			r.Statistics = stats
		}
	}
	r.Schemas = slicemap.ToMap(r.schemaSlots)
	r.Channels = slicemap.ToMap(r.channelSlots)
	return nil
}

// Info returns the parts of the reader's state useful for describing a
// file's contents without reading any messages.
func (r *IndexedReader) Info() *Info {
	return &Info{
		Footer:            r.Footer,
		Statistics:        r.Statistics,
		Schemas:           r.Schemas,
		Channels:          r.Channels,
		ChunkIndexes:      r.ChunkIndexes,
		AttachmentIndexes: r.AttachmentIndexes,
		MetadataIndexes:   r.MetadataIndexes,
	}
}

// ReadMessagesOptions bounds a ReadMessages query. An empty Topics selects
// every channel. Start/End bound log time inclusively, as [Start, End];
// End == 0 means no upper bound, so Start == End == 0 means unbounded.
type ReadMessagesOptions struct {
	Topics     []string
	Start, End uint64
	Order      ReadOrder
}

func windowOverlaps(ci *ChunkIndex, start, end uint64) bool {
	if start == 0 && end == 0 {
		return true
	}
	if end != 0 && ci.MessageStartTime > end {
		return false
	}
	return ci.MessageEndTime >= start
}

func windowContains(logTime, start, end uint64) bool {
	if start == 0 && end == 0 {
		return true
	}
	if end != 0 && logTime > end {
		return false
	}
	return logTime >= start
}

// ReadMessages returns an iterator over messages on the selected topics
// within [Start, End] inclusive, in the requested order. Chunks outside the
// window, or with no selected channel, are never read.
func (r *IndexedReader) ReadMessages(opts ReadMessagesOptions) (*MessageIterator, error) {
	selected := make(map[uint16]bool, len(r.Channels))
	if len(opts.Topics) == 0 {
		for id := range r.Channels {
			selected[id] = true
		}
	} else {
		topics := make(map[string]bool, len(opts.Topics))
		for _, t := range opts.Topics {
			topics[t] = true
		}
		for id, c := range r.Channels {
			if topics[c.Topic] {
				selected[id] = true
			}
		}
	}

	reverse := opts.Order == DescendingLogTime
	it := &MessageIterator{
		reader:   r,
		channels: selected,
		start:    opts.Start,
		end:      opts.End,
		fileOrder: opts.Order == FileOrder,
	}
	it.heap.reverse = reverse

	candidates := r.ChunkIndexes
	if it.fileOrder {
		// File order needs no heap merge: load chunks as they occur and
		// stream their selected messages out in chunk/record order.
		it.fileOrderChunks = make([]*ChunkIndex, 0, len(candidates))
	}
	for _, ci := range candidates {
		if !windowOverlaps(ci, opts.Start, opts.End) {
			continue
		}
		hasSelected := false
		for id := range ci.MessageIndexOffsets {
			if selected[id] {
				hasSelected = true
				break
			}
		}
		if !hasSelected {
			continue
		}
		if it.fileOrder {
			it.fileOrderChunks = append(it.fileOrderChunks, ci)
			continue
		}
		heap.Push(&it.heap, rangeIndex{chunkIndex: ci})
	}
	return it, nil
}

// MessageIterator yields messages in the order configured by ReadMessages.
// Decompressed chunks are held only as long as a selected message inside
// them remains unread, then released for reuse by a later chunk.
type MessageIterator struct {
	reader   *IndexedReader
	channels map[uint16]bool
	start    uint64
	end      uint64

	heap rangeIndexHeap

	fileOrder       bool
	fileOrderChunks []*ChunkIndex
	fileOrderQueue  []rangeIndex
	fileOrderSlot   []byte

	chunkSlots [][]byte
	unread     []uint64
}

func (it *MessageIterator) allocSlot() int {
	for i, n := range it.unread {
		if n == 0 {
			return i
		}
	}
	it.chunkSlots = append(it.chunkSlots, nil)
	it.unread = append(it.unread, 0)
	return len(it.chunkSlots) - 1
}

func (it *MessageIterator) decompressChunk(ci *ChunkIndex) ([]byte, error) {
	raw := make([]byte, ci.ChunkLength)
	if _, err := it.reader.src.ReadAt(raw, int64(ci.ChunkStartOffset)); err != nil {
		return nil, &IoError{Err: err}
	}
	// raw[0:9] is the Chunk record's own opcode+length header.
	chunk, err := DecodeChunk(raw[9:])
	if err != nil {
		return nil, err
	}
	var inner []byte
	if chunk.Compression == CompressionNone {
		inner = chunk.Records
	} else {
		handler, ok := it.reader.opts.DecompressHandlers[chunk.Compression]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, chunk.Compression)
		}
		inner, err = handler(chunk.Records, chunk.UncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk: %w", err)
		}
	}
	if it.reader.opts.ValidateChunkCRC {
		if err := checkCRC(chunk.UncompressedCRC, crc32.ChecksumIEEE(inner)); err != nil {
			return nil, err
		}
	}
	return inner, nil
}

// loadChunk decompresses ci and pushes every selected, in-window message it
// contains onto the merge heap as a message entry referencing the chunk's
// slot, so the heap alone determines delivery order from here on.
func (it *MessageIterator) loadChunk(ci *ChunkIndex) error {
	inner, err := it.decompressChunk(ci)
	if err != nil {
		return err
	}
	slot := it.allocSlot()
	it.chunkSlots[slot] = inner

	var count uint64
	offset := 0
	for offset < len(inner) {
		if len(inner)-offset < 9 {
			return malformed(OpChunk, "truncated record header inside chunk")
		}
		op := OpCode(inner[offset])
		length := int(leUint64(inner[offset+1 : offset+9]))
		recordStart := offset + 9
		if recordStart+length > len(inner) {
			return malformed(OpChunk, "truncated record payload inside chunk")
		}
		if op == OpMessage {
			channelID, o2, err := getUint16(inner, recordStart)
			if err == nil && it.channels[channelID] {
				sequence, o3, err := getUint32(inner, o2)
				if err == nil {
					logTime, _, err := getUint64(inner, o3)
					if err == nil && windowContains(logTime, it.start, it.end) {
						heap.Push(&it.heap, rangeIndex{
							entry:     &MessageIndexEntry{Timestamp: logTime, Offset: uint64(offset)},
							chunkSlot: slot,
							channelID: channelID,
							sequence:  sequence,
						})
						count++
					}
				}
			}
		}
		offset = recordStart + length
	}
	it.unread[slot] = count
	return nil
}

func decodeMessageAt(buf []byte, offset uint64, reuse *Message) (*Message, error) {
	o := int(offset)
	if len(buf)-o < 9 {
		return nil, malformed(OpMessage, "truncated record header inside chunk")
	}
	op := OpCode(buf[o])
	if op != OpMessage {
		return nil, malformed(op, "expected message record at indexed offset")
	}
	length := int(leUint64(buf[o+1 : o+9]))
	payloadStart := o + 9
	if payloadStart+length > len(buf) {
		return nil, malformed(OpMessage, "truncated message payload")
	}
	msg := reuse
	if msg == nil {
		msg = &Message{}
	}
	if err := msg.PopulateFrom(buf[payloadStart:payloadStart+length], true); err != nil {
		return nil, malformed(OpMessage, err.Error())
	}
	return msg, nil
}

// Next decodes the next message into reuse (allocating a new Message if nil
// and reusing reuse.Data's backing array when possible), or returns io.EOF
// once every selected, in-window message has been delivered.
func (it *MessageIterator) Next(reuse *Message) (*Message, error) {
	if it.fileOrder {
		return it.nextFileOrder(reuse)
	}
	for it.heap.Len() > 0 {
		top := heap.Pop(&it.heap).(rangeIndex)
		if top.chunkIndex != nil {
			if err := it.loadChunk(top.chunkIndex); err != nil {
				return nil, err
			}
			continue
		}
		msg, err := decodeMessageAt(it.chunkSlots[top.chunkSlot], top.entry.Offset, reuse)
		if err != nil {
			return nil, err
		}
		it.unread[top.chunkSlot]--
		if it.unread[top.chunkSlot] == 0 {
			it.chunkSlots[top.chunkSlot] = nil
		}
		return msg, nil
	}
	return nil, io.EOF
}

// nextFileOrder serves FileOrder queries: chunks are decompressed one at a
// time, in the order their ChunkIndex appears in the summary section, with
// no merge heap needed since nothing needs reordering across chunks.
func (it *MessageIterator) nextFileOrder(reuse *Message) (*Message, error) {
	for {
		for len(it.fileOrderQueue) > 0 {
			next := it.fileOrderQueue[0]
			it.fileOrderQueue = it.fileOrderQueue[1:]
			return decodeMessageAt(it.fileOrderSlot, next.entry.Offset, reuse)
		}
		if len(it.fileOrderChunks) == 0 {
			return nil, io.EOF
		}
		ci := it.fileOrderChunks[0]
		it.fileOrderChunks = it.fileOrderChunks[1:]
		inner, err := it.decompressChunk(ci)
		if err != nil {
			return nil, err
		}
		it.fileOrderSlot = inner
		offset := 0
		for offset < len(inner) {
			if len(inner)-offset < 9 {
				return nil, malformed(OpChunk, "truncated record header inside chunk")
			}
			op := OpCode(inner[offset])
			length := int(leUint64(inner[offset+1 : offset+9]))
			recordStart := offset + 9
			if recordStart+length > len(inner) {
				return nil, malformed(OpChunk, "truncated record payload inside chunk")
			}
			if op == OpMessage {
				channelID, o2, err := getUint16(inner, recordStart)
				if err == nil && it.channels[channelID] {
					logTime, _, err := getUint64(inner, o2+4)
					if err == nil && windowContains(logTime, it.start, it.end) {
						it.fileOrderQueue = append(it.fileOrderQueue, rangeIndex{
							entry: &MessageIndexEntry{Timestamp: logTime, Offset: uint64(offset)},
						})
					}
				}
			}
			offset = recordStart + length
		}
	}
}
