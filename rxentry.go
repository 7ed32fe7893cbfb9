package rxr

type rxState uint8

const (
	rxFree rxState = iota

	// rxInit: receive posted, nothing arrived yet.
	rxInit
	// rxUnexp: data arrived before a matching receive was posted.
	rxUnexp
	rxMatched
	// rxRecv: receiving a multi-packet message.
	rxRecv

	// Queued states. rxQueuedCtrl rebuilds the control packet on retry; the
	// CTS/EOR variants park the bounced packet and resend verbatim.
	rxQueuedCtrl
	rxQueuedCTSRNR
	rxQueuedEOR
)

func (s rxState) String() string {
	switch s {
	case rxFree:
		return "free"
	case rxInit:
		return "init"
	case rxUnexp:
		return "unexp"
	case rxMatched:
		return "matched"
	case rxRecv:
		return "recv"
	case rxQueuedCtrl:
		return "queued-ctrl"
	case rxQueuedCTSRNR:
		return "queued-cts-rnr"
	case rxQueuedEOR:
		return "queued-eor"
	}
	return "unknown"
}

func (s rxState) queued() bool {
	switch s {
	case rxQueuedCtrl, rxQueuedCTSRNR, rxQueuedEOR:
		return true
	}
	return false
}

// rxEntry tracks one inbound operation: a posted receive, an unexpected
// message waiting for one, or the landing side of an emulated read.
type rxEntry struct {
	ref entryRef

	op     OpKind
	addr   PeerAddr // AddrUnspec matches any sender
	tag    uint64
	ignore uint64
	msgID  uint32

	// txID is the sender's correlation id from the RTS.
	txID   uint32
	cqData uint64
	flags  uint16

	totalLen  uint64
	bytesDone uint64
	window    int64
	creditReq uint16

	state rxState
	// resume is the active state to restore once queued packets are flushed.
	resume     rxState
	queuedCtrl pktType
	queuedPkts []*packetEntry
	onQueued   bool

	buf []byte

	// multi-receive: a posted entry is progressively consumed; each message
	// gets a consumer entry referencing (never owning) the posted one.
	used      uint64
	consumers int
	withdrawn bool
	master    *rxEntry
	// set on the consumer whose completion retires the posted buffer.
	closesMulti bool

	// unexpected-message linkage: the arriving packet is retained until the
	// application posts a matching receive.
	unexpPkt *packetEntry

	truncated bool
	canceled  bool
	// ordered entries hold a per-peer completion-order slot; their receive
	// completion may not be reported before earlier message ids finish.
	ordered bool

	// rmaLocTx is the initiating tx entry of an emulated read.
	rmaLocTx entryRef

	ctx interface{}
}

func (rx *rxEntry) matches(addr PeerAddr, tag uint64, tagged bool) bool {
	if !matchAddr(rx.addr, addr) {
		return false
	}
	if tagged != (rx.flags&flagTagged != 0) {
		return false
	}
	if !tagged {
		return true
	}
	return matchTag(rx.tag, rx.ignore, tag)
}

type rxEntryPool struct {
	entries []rxEntry
	free    []uint32
}

func newRxEntryPool(n int) *rxEntryPool {
	p := &rxEntryPool{
		entries: make([]rxEntry, n),
		free:    make([]uint32, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		p.entries[i].ref = entryRef{kind: kindRx, id: uint32(i)}
		p.free = append(p.free, uint32(i))
	}
	return p
}

func (p *rxEntryPool) alloc() (*rxEntry, error) {
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &p.entries[id], nil
}

func (p *rxEntryPool) get(ref entryRef) *rxEntry {
	if ref.kind != kindRx || ref.id >= uint32(len(p.entries)) {
		return nil
	}
	rx := &p.entries[ref.id]
	if rx.ref.gen != ref.gen || rx.state == rxFree {
		return nil
	}
	return rx
}

func (p *rxEntryPool) byID(id uint32) *rxEntry {
	if id >= uint32(len(p.entries)) {
		return nil
	}
	rx := &p.entries[id]
	if rx.state == rxFree {
		return nil
	}
	return rx
}

func (p *rxEntryPool) release(rx *rxEntry) {
	if len(rx.queuedPkts) != 0 {
		log.Errorf("releasing rx entry %d with %d queued packets", rx.ref.id, len(rx.queuedPkts))
		for _, pkt := range rx.queuedPkts {
			pkt.release()
		}
	}
	if rx.unexpPkt != nil {
		rx.unexpPkt.release()
	}
	ref := rx.ref
	ref.gen++
	*rx = rxEntry{ref: ref}
	p.free = append(p.free, ref.id)
}
