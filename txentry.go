package rxr

// OpKind identifies the logical operation behind an entry or completion.
type OpKind uint8

const (
	OpSend OpKind = iota + 1
	OpRecv
	OpWrite
	OpRead
	// opReadRsp is the remote half of an emulated read; it never surfaces
	// an application completion.
	opReadRsp
)

func (o OpKind) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case opReadRsp:
		return "readrsp"
	}
	return "unknown"
}

type txState uint8

const (
	txFree txState = iota

	// txRTS: initial control/request packet in flight.
	txRTS
	// txSend: data packets flowing inside the granted window.
	txSend

	// Queued states. txQueuedCtrl rebuilds the control packet on retry; the
	// RNR variants park the bounced packet on the entry and resend verbatim.
	txQueuedCtrl
	txQueuedRTSRNR
	txQueuedDataRNR
	txQueuedReadRsp

	// Emulated-read states: txSentReadRsp is the remote side streaming
	// response data; the wait states are the initiator before the first
	// response packet and before its landing rx entry finishes.
	txSentReadRsp
	txWaitReadResp
	txWaitReadFinish
)

func (s txState) String() string {
	switch s {
	case txFree:
		return "free"
	case txRTS:
		return "rts"
	case txSend:
		return "send"
	case txQueuedCtrl:
		return "queued-ctrl"
	case txQueuedRTSRNR:
		return "queued-rts-rnr"
	case txQueuedDataRNR:
		return "queued-data-rnr"
	case txQueuedReadRsp:
		return "queued-readrsp"
	case txSentReadRsp:
		return "sent-readrsp"
	case txWaitReadResp:
		return "wait-readrsp"
	case txWaitReadFinish:
		return "wait-read-finish"
	}
	return "unknown"
}

func (s txState) queued() bool {
	switch s {
	case txQueuedCtrl, txQueuedRTSRNR, txQueuedDataRNR, txQueuedReadRsp:
		return true
	}
	return false
}

// txEntry tracks one outbound operation from post to terminal free.
type txEntry struct {
	ref entryRef

	op    OpKind
	addr  PeerAddr
	msgID uint32

	// rxID is the remote correlation id, learned from the peer's CTS.
	rxID   uint32
	tag    uint64
	cqData uint64
	flags  uint16

	totalLen   uint64
	bytesSent  uint64
	bytesAcked uint64
	window     int64
	creditReq  uint16
	creditCTS  uint16

	state txState
	// resume is the active state to restore once queued packets are flushed.
	resume     txState
	queuedCtrl pktType
	queuedPkts []*packetEntry
	onQueued   bool
	onPending  bool

	iov [][]byte
	mr  []MemoryHandle

	rmaKey    uint64
	rmaOffset uint64
	// rmaLocRx is the local rx entry landing the data of an emulated read.
	rmaLocRx entryRef

	noCompletion bool
	ctx          interface{}
}

func (tx *txEntry) remaining() uint64 {
	return tx.totalLen - tx.bytesSent
}

// copyOut copies payload bytes starting at the given logical offset from the
// scatter/gather list into dst, returning the bytes copied.
func copyOut(dst []byte, iov [][]byte, offset uint64) int {
	n := 0
	for _, b := range iov {
		if offset >= uint64(len(b)) {
			offset -= uint64(len(b))
			continue
		}
		c := copy(dst[n:], b[offset:])
		n += c
		offset = 0
		if n == len(dst) {
			break
		}
	}
	return n
}

// txEntryPool is a fixed arena of tx entries addressed by stable ids.
// Generations guard against stale handles resolving to recycled entries.
type txEntryPool struct {
	entries []txEntry
	free    []uint32
}

func newTxEntryPool(n int) *txEntryPool {
	p := &txEntryPool{
		entries: make([]txEntry, n),
		free:    make([]uint32, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		p.entries[i].ref = entryRef{kind: kindTx, id: uint32(i)}
		p.free = append(p.free, uint32(i))
	}
	return p
}

func (p *txEntryPool) alloc() (*txEntry, error) {
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &p.entries[id], nil
}

func (p *txEntryPool) get(ref entryRef) *txEntry {
	if ref.kind != kindTx || ref.id >= uint32(len(p.entries)) {
		return nil
	}
	tx := &p.entries[ref.id]
	if tx.ref.gen != ref.gen || tx.state == txFree {
		return nil
	}
	return tx
}

func (p *txEntryPool) byID(id uint32) *txEntry {
	if id >= uint32(len(p.entries)) {
		return nil
	}
	tx := &p.entries[id]
	if tx.state == txFree {
		return nil
	}
	return tx
}

// release returns the entry to the free list. Queued packets must already be
// released; the generation bump poisons outstanding handles.
func (p *txEntryPool) release(tx *txEntry) {
	if len(tx.queuedPkts) != 0 {
		log.Errorf("releasing tx entry %d with %d queued packets", tx.ref.id, len(tx.queuedPkts))
		for _, pkt := range tx.queuedPkts {
			pkt.release()
		}
	}
	ref := tx.ref
	ref.gen++
	*tx = txEntry{ref: ref}
	p.free = append(p.free, ref.id)
}
