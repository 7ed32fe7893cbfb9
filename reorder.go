package rxr

// reorderBuffer restores per-peer message order when the transport delivers
// packets out of sequence. It is a fixed ring indexed by the remainder of
// the 32-bit message id divided by the (power of two) window size, the same
// discipline as a receive queue keyed by frame number. Packets at the
// expected sequence are delivered immediately; packets ahead of it are
// buffered until the gap fills; packets behind it are duplicates.
//
// Every peer's stream starts at sequence zero. A receiver that loses this
// state (restart) must be re-resolved to a fresh address by the surrounding
// system; the engine does not renegotiate a stream origin.
type reorderBuffer struct {
	expected uint32
	mask     uint32
	slots    []*packetEntry
	held     int
}

type reorderResult uint8

const (
	// reorderDeliver: the packet is in order, process it now.
	reorderDeliver reorderResult = iota
	// reorderBuffered: stored in the window, owned by the buffer.
	reorderBuffered
	// reorderDuplicate: at or below a sequence already delivered or held.
	reorderDuplicate
	// reorderOverflow: further ahead than the window can hold. Treated as
	// congestion; recovery relies on the sender's retry semantics.
	reorderOverflow
)

func newReorderBuffer(size uint32) *reorderBuffer {
	return &reorderBuffer{
		mask:  size - 1,
		slots: make([]*packetEntry, size),
	}
}

// classify decides what to do with an arriving sequence number without
// storing anything; out-of-order packets must be cloned off their receive
// slot and handed to store.
func (rb *reorderBuffer) classify(seq uint32) reorderResult {
	d := seqDiff(seq, rb.expected)
	switch {
	case d < 0:
		return reorderDuplicate
	case d == 0:
		return reorderDeliver
	case uint32(d) > rb.mask+1:
		// the expected slot is never stored, so the ring holds a full
		// window of out-of-order packets beyond it
		return reorderOverflow
	}
	if rb.slots[seq&rb.mask] != nil {
		return reorderDuplicate
	}
	return reorderBuffered
}

// store takes ownership of a packet classified as reorderBuffered.
func (rb *reorderBuffer) store(pkt *packetEntry) {
	rb.slots[pkt.hdr.msgID&rb.mask] = pkt
	rb.held++
}

// advance moves past the expected sequence after its packet was processed.
func (rb *reorderBuffer) advance() {
	rb.expected++
}

// next pops the packet at the expected sequence if the window holds it,
// enabling cascade delivery after a gap fills. Returns nil at a gap.
func (rb *reorderBuffer) next() *packetEntry {
	idx := rb.expected & rb.mask
	pkt := rb.slots[idx]
	if pkt == nil || pkt.hdr.msgID != rb.expected {
		return nil
	}
	rb.slots[idx] = nil
	rb.held--
	return pkt
}

// drain releases everything still held, for endpoint teardown.
func (rb *reorderBuffer) drain() {
	for i, pkt := range rb.slots {
		if pkt != nil {
			pkt.release()
			rb.slots[i] = nil
		}
	}
	rb.held = 0
}
