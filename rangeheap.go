package mcap

// rangeIndex is one entry in the indexed reader's merge heap: either a
// not-yet-loaded chunk (chunkIndex set) or a message already decompressed
// into the chunk slot chunkSlot names (entry set). Ordering by log time lets both kinds of entry
// share one heap, which is what lets the reader interleave overlapping
// chunks without re-reading any of them.
type rangeIndex struct {
	chunkIndex *ChunkIndex
	entry      *MessageIndexEntry
	chunkSlot  int // valid only when entry != nil: index into the reader's decompressed chunk slots

	// channelID and sequence are populated only for message entries, and
	// used solely to break ties between messages sharing a log time.
	channelID uint16
	sequence  uint32
}

// rangeIndexHeap implements container/heap.Interface over a mix of
// chunkIndex and message entries, ordered by log time (ascending, or
// descending when reverse is set for DescendingLogTime queries).
type rangeIndexHeap struct {
	indices []rangeIndex
	reverse bool
}

func (h rangeIndexHeap) key(i int) uint64 {
	ri := h.indices[i]
	if ri.chunkIndex != nil {
		if h.reverse {
			return ri.chunkIndex.MessageEndTime
		}
		return ri.chunkIndex.MessageStartTime
	}
	return ri.entry.Timestamp
}

func (h rangeIndexHeap) Len() int      { return len(h.indices) }
func (h rangeIndexHeap) Swap(i, j int) { h.indices[i], h.indices[j] = h.indices[j], h.indices[i] }

// Less orders by log time (direction set by reverse); entries tied on log
// time break by (channel_id, sequence) regardless of reverse, so results are
// deterministic in both directions. A chunk candidate tied with a message
// entry sorts first, making the chunk's own messages available to compete
// in the next comparison instead of guessing at their order blind.
func (h rangeIndexHeap) Less(i, j int) bool {
	ki, kj := h.key(i), h.key(j)
	if ki != kj {
		if h.reverse {
			return ki > kj
		}
		return ki < kj
	}
	a, b := h.indices[i], h.indices[j]
	if (a.entry == nil) != (b.entry == nil) {
		return a.entry == nil
	}
	if a.entry == nil {
		return false
	}
	if a.channelID != b.channelID {
		return a.channelID < b.channelID
	}
	return a.sequence < b.sequence
}

// Push and Pop satisfy heap.Interface; callers use container/heap.Push and
// container/heap.Pop, never these directly.
func (h *rangeIndexHeap) Push(x interface{}) {
	h.indices = append(h.indices, x.(rangeIndex))
}

func (h *rangeIndexHeap) Pop() interface{} {
	old := h.indices
	n := len(old)
	x := old[n-1]
	h.indices = old[:n-1]
	return x
}
