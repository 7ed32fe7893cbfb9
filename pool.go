package rxr

import (
	pool "github.com/libp2p/go-buffer-pool"
)

type entryKind uint8

const (
	kindNone entryKind = iota
	kindTx
	kindRx
)

// entryRef is a generation-checked handle to a tx or rx entry. A stale
// generation resolves to nil instead of a recycled entry.
type entryRef struct {
	kind entryKind
	id   uint32
	gen  uint32
}

// packetEntry is one wire buffer. Slab-backed entries never own memory
// beyond their slot; cloned entries (used to stage out-of-order and
// unexpected packets so the receive slot can be reposted) borrow from the
// shared byte pool instead.
type packetEntry struct {
	hdr     header
	buf     []byte // full slot, len == MTU for slab entries
	wire    []byte // valid bytes
	payload []byte // payload portion of wire
	peer    PeerAddr
	owner   entryRef
	pool    *packetPool
	slot    int
	cloned  bool

	// zero-copy sends: wire holds only the header, the payload lives in a
	// registered region the transport gathers directly.
	useMR bool
	mr    MemoryHandle
	mrOff int
	mrLen int
}

// payloadLen is the payload size regardless of whether the bytes were staged
// in the slot or left in a registered region.
func (pkt *packetEntry) payloadLen() int {
	if pkt.useMR {
		return pkt.mrLen
	}
	return len(pkt.payload)
}

func (pkt *packetEntry) release() {
	if pkt.cloned {
		pool.Put(pkt.buf)
		pkt.buf = nil
		pkt.wire = nil
		pkt.payload = nil
		return
	}
	pkt.pool.put(pkt)
}

// clone copies the packet into pooled bytes so the slab slot can go back to
// the transport while the copy waits for matching or reordering.
func (pkt *packetEntry) clone() *packetEntry {
	buf := pool.Get(len(pkt.wire))
	copy(buf, pkt.wire)
	c := &packetEntry{
		hdr:    pkt.hdr,
		buf:    buf,
		wire:   buf,
		peer:   pkt.peer,
		owner:  pkt.owner,
		cloned: true,
	}
	c.payload = c.wire[len(pkt.wire)-len(pkt.payload):]
	return c
}

const poisonByte = 0xef

// packetPool is a fixed-slot slab of MTU-sized packet buffers. Exhaustion is
// reported as ErrExhausted and never fatal: callers queue the requesting
// entry and retry on a later progress pass.
type packetPool struct {
	mtu     int
	slab    []byte
	entries []packetEntry
	free    []int
	poison  bool
}

func newPacketPool(n, mtu int, poison bool) *packetPool {
	p := &packetPool{
		mtu:     mtu,
		slab:    make([]byte, n*mtu),
		entries: make([]packetEntry, n),
		free:    make([]int, 0, n),
		poison:  poison,
	}
	for i := n - 1; i >= 0; i-- {
		p.entries[i] = packetEntry{
			buf:  p.slab[i*mtu : (i+1)*mtu],
			pool: p,
			slot: i,
		}
		p.free = append(p.free, i)
	}
	return p
}

func (p *packetPool) acquire() (*packetEntry, error) {
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	pkt := &p.entries[i]
	pkt.hdr = header{}
	pkt.wire = nil
	pkt.payload = nil
	pkt.peer = 0
	pkt.owner = entryRef{}
	pkt.useMR = false
	pkt.mr = 0
	pkt.mrOff = 0
	pkt.mrLen = 0
	return pkt, nil
}

func (p *packetPool) put(pkt *packetEntry) {
	if p.poison {
		for i := range pkt.buf {
			pkt.buf[i] = poisonByte
		}
	}
	pkt.wire = nil
	pkt.payload = nil
	pkt.owner = entryRef{}
	pkt.useMR = false
	pkt.mr = 0
	pkt.mrOff = 0
	pkt.mrLen = 0
	p.free = append(p.free, pkt.slot)
}

func (p *packetPool) available() int {
	return len(p.free)
}
