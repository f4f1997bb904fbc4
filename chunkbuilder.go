package mcap

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"math"
	"sort"
)

// ChunkBuilder is C2: a mutable aggregator for one pending chunk. It owns
// the uncompressed inner record stream, tracks which schema/channel ids it
// has already emitted (so repeated add calls within the same chunk are
// idempotent), and accumulates a per-channel MessageIndex as messages are
// appended.
//
// Message indexing lives alongside the chunk's own byte accounting instead
// of in a second, writer-owned slice.
type ChunkBuilder struct {
	compression CompressionFormat
	inner       *bytes.Buffer
	compressed  *bytes.Buffer
	compressor  resettableWriteCloser
	crc         hash.Hash32

	schemaIDs  map[uint16]bool
	channelIDs map[uint16]bool

	messageIndexes map[uint16]*MessageIndex
	channelOrder   []uint16

	startTime uint64
	endTime   uint64
}

// NewChunkBuilder constructs a chunk builder using handler to produce the
// compressing writer for compression. handler is typically one entry out
// of a CompressHandlers registry (DefaultCompressHandlers()[compression]).
func NewChunkBuilder(compression CompressionFormat, handler CompressHandler) (*ChunkBuilder, error) {
	compressed := &bytes.Buffer{}
	compressor, err := handler(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s compressor: %w", compression, err)
	}
	return &ChunkBuilder{
		compression:    compression,
		inner:          &bytes.Buffer{},
		compressed:     compressed,
		compressor:     compressor,
		crc:            crc32.NewIEEE(),
		schemaIDs:      make(map[uint16]bool),
		channelIDs:     make(map[uint16]bool),
		messageIndexes: make(map[uint16]*MessageIndex),
		startTime:      math.MaxUint64,
	}, nil
}

// Len reports the current size of the uncompressed inner stream, used by
// the writer to decide when to flush against chunk_size_threshold.
func (cb *ChunkBuilder) Len() int64 {
	return int64(cb.inner.Len())
}

func (cb *ChunkBuilder) writeInner(op OpCode, payload []byte) {
	var hdr [9]byte
	putRecordHeader(hdr[:], op, len(payload))
	cb.inner.Write(hdr[:])
	cb.inner.Write(payload)
}

// AddSchema appends a Schema record to the chunk unless id has already been
// written to this chunk (or, when alreadyGlobal is true, to the file
// overall — the repeat_schemas=false case).
func (cb *ChunkBuilder) AddSchema(s *Schema, alreadyGlobal bool) {
	if cb.schemaIDs[s.ID] || alreadyGlobal {
		return
	}
	buf := make([]byte, sizeSchema(s))
	n := EncodeSchema(buf, s)
	cb.writeInner(OpSchema, buf[:n])
	cb.schemaIDs[s.ID] = true
}

// AddChannel appends a Channel record to the chunk unless id has already
// been written to this chunk (or, when alreadyGlobal is true, to the file
// overall — the repeat_channels=false case).
func (cb *ChunkBuilder) AddChannel(c *Channel, alreadyGlobal bool) {
	if cb.channelIDs[c.ID] || alreadyGlobal {
		return
	}
	buf := make([]byte, sizeChannel(c))
	n := EncodeChannel(buf, c)
	cb.writeInner(OpChannel, buf[:n])
	cb.channelIDs[c.ID] = true
	if _, ok := cb.messageIndexes[c.ID]; !ok {
		cb.channelOrder = append(cb.channelOrder, c.ID)
	}
}

// AddMessage appends a Message record, recording its offset into the
// uncompressed inner stream in this channel's MessageIndex.
func (cb *ChunkBuilder) AddMessage(m *Message) {
	offset := uint64(cb.inner.Len())
	buf := make([]byte, sizeMessage(m))
	n := EncodeMessage(buf, m)
	cb.writeInner(OpMessage, buf[:n])

	idx, ok := cb.messageIndexes[m.ChannelID]
	if !ok {
		idx = &MessageIndex{ChannelID: m.ChannelID}
		cb.messageIndexes[m.ChannelID] = idx
		if !cb.channelIDs[m.ChannelID] {
			cb.channelOrder = append(cb.channelOrder, m.ChannelID)
		}
	}
	idx.Add(m.LogTime, offset)

	if m.LogTime > cb.endTime {
		cb.endTime = m.LogTime
	}
	if m.LogTime < cb.startTime {
		cb.startTime = m.LogTime
	}
}

// Finish compresses the accumulated inner stream and returns the Chunk
// record payload (still needing a surrounding opcode+length envelope) along
// with the MessageIndex for every channel that had messages, in the order
// each channel first appeared in this chunk (its Channel record or its first
// message) for deterministic output. When sortMessages is true,
// the inner stream's Message records (and the indexes pointing at them) are
// reordered into log_time order first.
func (cb *ChunkBuilder) Finish(sortMessages bool) (*Chunk, []*MessageIndex, error) {
	if sortMessages {
		cb.sortMessages()
	}
	innerBytes := cb.inner.Bytes()
	if _, err := cb.crc.Write(innerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to compute chunk crc: %w", err)
	}
	crc := cb.crc.Sum32()

	if _, err := cb.compressor.Write(innerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := cb.compressor.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finish chunk compression: %w", err)
	}

	start := cb.startTime
	if start == math.MaxUint64 {
		start = 0
	}
	chunk := &Chunk{
		MessageStartTime: start,
		MessageEndTime:   cb.endTime,
		UncompressedSize: uint64(len(innerBytes)),
		UncompressedCRC:  crc,
		Compression:      cb.compression,
		Records:          append([]byte(nil), cb.compressed.Bytes()...),
	}

	indexes := make([]*MessageIndex, 0, len(cb.messageIndexes))
	for _, id := range cb.channelOrder {
		if idx, ok := cb.messageIndexes[id]; ok {
			indexes = append(indexes, idx)
		}
	}
	return chunk, indexes, nil
}

// sortMessages reorders the inner stream's Message records into log_time
// order in place, updating every channel's MessageIndex to match. An
// insertion sort over the combined (timestamp, offset) index, under the
// assumption unordered writes are rare and disorderings are usually
// localized, so adjacent-swap sorts cheaply. Non-message bytes between two
// swapped records (interleaved Schema/Channel records) are shifted, not
// reordered, by the swap itself.
func (cb *ChunkBuilder) sortMessages() {
	var all []*MessageIndexEntry
	for _, id := range cb.channelOrder {
		idx, ok := cb.messageIndexes[id]
		if !ok {
			continue
		}
		entries := idx.Entries()
		for i := range entries {
			all = append(all, &entries[i])
		}
	}
	if len(all) < 2 {
		return
	}
	// The swaps below exchange neighbouring records, so start from stream
	// (offset) order.
	sort.Slice(all, func(a, b int) bool { return all[a].Offset < all[b].Offset })
	buf := cb.inner.Bytes()
	var tmp []byte
	i := 1
	for i < len(all) {
		j := i
		for j > 0 && (all[j-1].Timestamp > all[j].Timestamp ||
			(all[j-1].Timestamp == all[j].Timestamp && all[j-1].Offset > all[j].Offset)) {
			left := *all[j-1]
			right := *all[j]
			all[j-1], all[j] = all[j], all[j-1]

			leftRecordLen := leUint64(buf[left.Offset+1:])
			rightRecordLen := leUint64(buf[right.Offset+1:])
			leftLen := 9 + leftRecordLen
			rightLen := 9 + rightRecordLen
			tmp = swapSlices(tmp, buf,
				int(left.Offset), int(left.Offset+leftLen),
				int(right.Offset), int(right.Offset+rightLen))

			all[j-1].Offset = left.Offset
			switch {
			case leftLen == rightLen:
				all[j].Offset = right.Offset
			case rightLen > leftLen:
				all[j].Offset = right.Offset + (rightLen - leftLen)
			default:
				all[j].Offset = right.Offset - (leftLen - rightLen)
			}
			j--
		}
		i++
	}
	// Entries kept their slots while their offsets moved; put each channel's
	// index back into offset order, which is now log_time order.
	for _, idx := range cb.messageIndexes {
		entries := idx.Entries()
		sort.Slice(entries, func(a, b int) bool { return entries[a].Offset < entries[b].Offset })
	}
}

// swapSlices exchanges the nonoverlapping byte ranges
// buf[leftstart:leftend] and buf[rightstart:rightend] (leftend <=
// rightstart), shifting the bytes between them to keep the stream
// contiguous. tmp is reused scratch space, grown and returned for the next
// call.
func swapSlices(tmp []byte, buf []byte, leftstart, leftend, rightstart, rightend int) []byte {
	leftLen := leftend - leftstart
	rightLen := rightend - rightstart
	scratchLen := leftLen
	if rightLen > scratchLen {
		scratchLen = rightLen
	}
	if len(tmp) < scratchLen {
		tmp = make([]byte, scratchLen)
	}
	scratch := tmp[:scratchLen]
	switch {
	case leftLen > rightLen:
		copy(scratch, buf[leftstart:leftend])
		copy(buf[leftstart:], buf[rightstart:rightend])
		copy(buf[leftstart+rightLen:], buf[leftend:rightstart])
		copy(buf[rightstart-leftLen+rightLen:], scratch)
	case leftLen < rightLen:
		copy(scratch, buf[rightstart:rightend])
		copy(buf[rightend-leftLen:], buf[leftstart:leftend])
		copy(buf[leftend+rightLen-leftLen:rightstart+rightLen-leftLen], buf[leftend:rightstart])
		copy(buf[leftstart:], scratch)
	default:
		copy(scratch, buf[leftstart:leftend])
		copy(buf[leftstart:], buf[rightstart:rightstart+rightLen])
		copy(buf[rightstart:rightstart+rightLen], scratch)
	}
	return tmp
}

// Reset clears the builder for reuse in the next chunk.
func (cb *ChunkBuilder) Reset() {
	cb.inner.Reset()
	cb.compressed.Reset()
	cb.compressor.Reset(cb.compressed)
	cb.crc.Reset()
	for k := range cb.schemaIDs {
		delete(cb.schemaIDs, k)
	}
	for k := range cb.channelIDs {
		delete(cb.channelIDs, k)
	}
	for k := range cb.messageIndexes {
		delete(cb.messageIndexes, k)
	}
	cb.channelOrder = cb.channelOrder[:0]
	cb.startTime = math.MaxUint64
	cb.endTime = 0
}
