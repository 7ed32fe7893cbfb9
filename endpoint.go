package rxr

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Stats is a snapshot of endpoint counters.
type Stats struct {
	Sends               uint64
	SendCompletions     uint64
	RecvCompletions     uint64
	FailedSends         uint64
	RNRs                uint64
	Duplicates          uint64
	BeyondWindowDrops   uint64
	ProtocolErrors      uint64
	UnexpectedMsgs      uint64
	DeferredCompletions uint64
}

// RecvHandle identifies a posted receive for cancellation.
type RecvHandle struct {
	ref entryRef
}

// substrate bundles one lower transport with its packet pools and posted
// receive accounting. An endpoint has one substrate for the fabric and,
// optionally, a second one for intra-node peers.
type substrate struct {
	tp     Transport
	txPkts *packetPool
	rxPkts *packetPool
	posted int
	target int
}

// Endpoint is the protocol engine for one local address. It is not
// internally locked: the caller must serialize posting calls with Progress,
// either by a single owning goroutine or an external mutex around both.
type Endpoint struct {
	id   uuid.UUID
	cfg  Config
	addr PeerAddr

	sub      *substrate
	localSub *substrate

	peers map[PeerAddr]*peer

	txPool *txEntryPool
	rxPool *rxEntryPool

	cq       *completionQueue
	deferred []Completion
	rmFull   uint8

	// matching queues, in post/arrival order
	recvList        []entryRef
	recvTaggedList  []entryRef
	unexpList       []entryRef
	unexpTaggedList []entryRef

	// entries blocked on RNR backoff or a full transmit queue, in original
	// post order; retried once per progress pass
	txQueuedList []entryRef
	rxQueuedList []entryRef

	// large sends with window to push
	txPendingList []entryRef

	// unexpected messages retained while the rx entry pool was exhausted,
	// re-adopted as entries free up
	unexpPending []*packetEntry

	backoffPeers []*peer

	events []TransportEvent

	mem memoryRegistry

	stats  Stats
	closed bool
}

// NewEndpoint opens an endpoint with the given local address over the given
// transport. The transport must already be bound; receive buffers are posted
// immediately.
func NewEndpoint(cfg Config, addr PeerAddr, tp Transport) (*Endpoint, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ep := &Endpoint{
		id:     uuid.New(),
		cfg:    cfg,
		addr:   addr,
		peers:  make(map[PeerAddr]*peer),
		txPool: newTxEntryPool(cfg.TxSize),
		rxPool: newRxEntryPool(cfg.RxSize),
		cq:     newCompletionQueue(cfg.CQSize),
		events: make([]TransportEvent, cfg.CQReadSize),
		mem:    newMemoryRegistry(),
	}
	ep.sub = ep.newSubstrate(tp)
	ep.replenish(ep.sub)
	log.Debugf("endpoint %s open: addr %d, mtu %s, tx %d, rx %d",
		ep.id, addr, humanize.IBytes(uint64(tp.MTU())), cfg.TxSize, cfg.RxSize)
	return ep, nil
}

func (ep *Endpoint) newSubstrate(tp Transport) *substrate {
	mtu := tp.MTU()
	return &substrate{
		tp:     tp,
		txPkts: newPacketPool(ep.cfg.TxSize, mtu, ep.cfg.PoisonBufs),
		rxPkts: newPacketPool(ep.cfg.RxSize, mtu, ep.cfg.PoisonBufs),
		target: ep.cfg.RxSize,
	}
}

// SetLocalTransport attaches an intra-node substrate and flags the given
// peers as local. Must be called before any traffic to those peers.
func (ep *Endpoint) SetLocalTransport(tp Transport, addrs ...PeerAddr) {
	ep.localSub = ep.newSubstrate(tp)
	for _, a := range addrs {
		ep.getPeer(a).isLocal = true
	}
	ep.replenish(ep.localSub)
}

func (ep *Endpoint) String() string {
	return "rxr endpoint " + ep.id.String()
}

// Stats returns a copy of the endpoint counters.
func (ep *Endpoint) Stats() Stats {
	return ep.stats
}

// PeerInfo returns the flow-control snapshot for a known peer.
func (ep *Endpoint) PeerInfo(addr PeerAddr) (PeerInfo, bool) {
	p, ok := ep.peers[addr]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// NextCompletion pops one completion record, error records first. The second
// return is false when nothing is pending.
func (ep *Endpoint) NextCompletion() (Completion, bool) {
	c, ok := ep.cq.pop()
	if ok && len(ep.deferred) > 0 && !ep.cq.full() {
		ep.cq.push(ep.deferred[0])
		ep.deferred = ep.deferred[1:]
		if len(ep.deferred) == 0 {
			ep.rmFull = 0
		}
	}
	return c, ok
}

// Close shuts down the endpoint and its transports. Outstanding operations
// are dropped without completions.
func (ep *Endpoint) Close() error {
	if ep.closed {
		return ErrClosed
	}
	ep.closed = true
	for _, p := range ep.peers {
		if p.robuf != nil {
			p.robuf.drain()
		}
	}
	for _, pkt := range ep.unexpPending {
		pkt.release()
	}
	ep.unexpPending = nil
	var result *multierror.Error
	if err := ep.sub.tp.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if ep.localSub != nil {
		if err := ep.localSub.tp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (ep *Endpoint) getPeer(addr PeerAddr) *peer {
	p, ok := ep.peers[addr]
	if !ok {
		p = newPeer(addr)
		ep.peers[addr] = p
	}
	return p
}

func (ep *Endpoint) peerTxInit(p *peer) {
	if !p.txInit {
		p.txCredits = ep.cfg.TxMaxCredits
		p.txInit = true
	}
}

func (ep *Endpoint) peerRxInit(p *peer) {
	if !p.rxInit {
		p.robuf = newReorderBuffer(ep.cfg.ReorderWindow)
		p.rxCredits = ep.cfg.RxWindowSize
		p.rxInit = true
	}
}

func (ep *Endpoint) transportFor(p *peer) *substrate {
	if p.isLocal && ep.localSub != nil {
		return ep.localSub
	}
	return ep.sub
}

// RegisterMemory registers a range with the transport(s) and publishes it
// for remote RMA access under the returned region's Key.
func (ep *Endpoint) RegisterMemory(buf []byte) (*MemoryRegion, error) {
	h, err := ep.sub.tp.RegisterMemory(buf)
	if err != nil {
		return nil, err
	}
	mr := &MemoryRegion{buf: buf, handle: h}
	if ep.localSub != nil {
		if lh, lerr := ep.localSub.tp.RegisterMemory(buf); lerr == nil {
			mr.local = lh
			mr.hasLocal = true
		}
	}
	ep.mem.insert(mr)
	return mr, nil
}

func (ep *Endpoint) DeregisterMemory(mr *MemoryRegion) error {
	ep.mem.remove(mr.Key)
	var result *multierror.Error
	if err := ep.sub.tp.DeregisterMemory(mr.handle); err != nil {
		result = multierror.Append(result, err)
	}
	if mr.hasLocal && ep.localSub != nil {
		if err := ep.localSub.tp.DeregisterMemory(mr.local); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Send posts an untagged message to dst. Completion is reported
// asynchronously with ctx attached.
func (ep *Endpoint) Send(dst PeerAddr, b []byte, ctx interface{}) error {
	return ep.postTx(dst, [][]byte{b}, 0, 0, OpSend, 0, 0, 0, ctx)
}

// SendTagged posts a tagged message to dst.
func (ep *Endpoint) SendTagged(dst PeerAddr, tag uint64, b []byte, ctx interface{}) error {
	return ep.postTx(dst, [][]byte{b}, tag, flagTagged, OpSend, 0, 0, 0, ctx)
}

// SendData posts an untagged message carrying remote completion data.
func (ep *Endpoint) SendData(dst PeerAddr, b []byte, data uint64, ctx interface{}) error {
	return ep.postTx(dst, [][]byte{b}, 0, flagRemoteCQData, OpSend, data, 0, 0, ctx)
}

// Sendv posts a message gathered from up to four buffers.
func (ep *Endpoint) Sendv(dst PeerAddr, bufs [][]byte, ctx interface{}) error {
	return ep.postTx(dst, bufs, 0, 0, OpSend, 0, 0, 0, ctx)
}

// WriteTo posts an RMA write into the remote region identified by key at the
// given offset. A non-zero data value is delivered to the target's
// completion queue alongside the write.
func (ep *Endpoint) WriteTo(dst PeerAddr, b []byte, key, offset, data uint64, ctx interface{}) error {
	flags := uint16(flagWrite)
	if data != 0 {
		flags |= flagRemoteCQData
	}
	return ep.postTx(dst, [][]byte{b}, 0, flags, OpWrite, data, key, offset, ctx)
}

func (ep *Endpoint) postTx(dst PeerAddr, iov [][]byte, tag uint64, flags uint16, op OpKind,
	cqData, rmaKey, rmaOffset uint64, ctx interface{}) error {
	if ep.closed {
		return ErrClosed
	}
	if len(iov) > iovLimit {
		return ErrIOVLimit
	}
	p := ep.getPeer(dst)
	ep.peerTxInit(p)
	tx, err := ep.txPool.alloc()
	if err != nil {
		return err
	}
	var total uint64
	for _, b := range iov {
		total += uint64(len(b))
	}
	tx.op = op
	tx.addr = dst
	tx.iov = iov
	tx.tag = tag
	tx.flags = flags | flagCreditRequest
	tx.cqData = cqData
	tx.totalLen = total
	tx.rmaKey = rmaKey
	tx.rmaOffset = rmaOffset
	tx.ctx = ctx
	tx.msgID = p.nextMsgID
	p.nextMsgID++
	tx.creditReq = ep.creditRequestFor(p, total)
	if int(total) >= ep.cfg.MaxMemcpySize {
		ep.registerSendBufs(p, tx)
	}
	log.Tracef("posting %v of %s to peer %d, msg %d", op, humanize.Bytes(total), dst, tx.msgID)
	ep.issueRTS(p, tx)
	return nil
}

// ReadFrom posts an emulated RMA read of the remote region identified by key
// at the given offset into b.
func (ep *Endpoint) ReadFrom(dst PeerAddr, b []byte, key, offset uint64, ctx interface{}) error {
	if ep.closed {
		return ErrClosed
	}
	p := ep.getPeer(dst)
	ep.peerTxInit(p)
	ep.peerRxInit(p)
	tx, err := ep.txPool.alloc()
	if err != nil {
		return err
	}
	rx, err := ep.rxPool.alloc()
	if err != nil {
		ep.txPool.release(tx)
		return err
	}
	tx.op = OpRead
	tx.addr = dst
	tx.flags = flagReadReq
	tx.totalLen = uint64(len(b))
	tx.rmaKey = key
	tx.rmaOffset = offset
	tx.ctx = ctx
	tx.msgID = p.nextMsgID
	p.nextMsgID++
	tx.rmaLocRx = rx.ref

	rx.op = OpRead
	rx.addr = dst
	rx.buf = b
	rx.totalLen = uint64(len(b))
	rx.state = rxRecv
	rx.rmaLocTx = tx.ref

	ep.issueReadReq(p, tx)
	return nil
}

// Recv posts a receive buffer matching untagged messages from src
// (AddrUnspec for any sender). Returns a handle usable with CancelRecv while
// the receive is unmatched.
func (ep *Endpoint) Recv(src PeerAddr, b []byte, ctx interface{}) (RecvHandle, error) {
	return ep.postRx(src, 0, 0, b, 0, ctx)
}

// RecvTagged posts a receive matching tagged messages whose tag equals tag
// outside the ignore mask.
func (ep *Endpoint) RecvTagged(src PeerAddr, tag, ignore uint64, b []byte, ctx interface{}) (RecvHandle, error) {
	return ep.postRx(src, tag, ignore, b, flagTagged, ctx)
}

// RecvMulti posts a multi-receive buffer: consecutive untagged messages are
// landed back to back until the remainder drops below MinMultiRecvSize, at
// which point the buffer is retired and the closing completion carries
// MultiRecvClosed.
func (ep *Endpoint) RecvMulti(b []byte, ctx interface{}) (RecvHandle, error) {
	return ep.postRx(AddrUnspec, 0, 0, b, flagMultiRecvPosted, ctx)
}

func (ep *Endpoint) postRx(src PeerAddr, tag, ignore uint64, b []byte, flags uint16, ctx interface{}) (RecvHandle, error) {
	if ep.closed {
		return RecvHandle{}, ErrClosed
	}
	rx, err := ep.rxPool.alloc()
	if err != nil {
		return RecvHandle{}, err
	}
	rx.op = OpRecv
	rx.state = rxInit
	rx.addr = src
	rx.tag = tag
	rx.ignore = ignore
	rx.buf = b
	rx.flags = flags
	rx.ctx = ctx
	h := RecvHandle{ref: rx.ref}

	if flags&flagMultiRecvPosted != 0 {
		ep.recvList = append(ep.recvList, rx.ref)
		ep.drainUnexpIntoMulti(rx)
		return h, nil
	}
	if urx := ep.takeUnexp(rx); urx != nil {
		p := ep.getPeer(urx.addr)
		pkt := urx.unexpPkt
		urx.unexpPkt = nil
		ep.rxPool.release(urx)
		ep.initMatchedRx(p, rx, pkt, false)
		pkt.release()
		return h, nil
	}
	if flags&flagTagged != 0 {
		ep.recvTaggedList = append(ep.recvTaggedList, rx.ref)
	} else {
		ep.recvList = append(ep.recvList, rx.ref)
	}
	return h, nil
}

// CancelRecv cancels a posted receive that has not matched yet. Matched or
// in-flight operations are not cancellable.
func (ep *Endpoint) CancelRecv(h RecvHandle) error {
	rx := ep.rxPool.get(h.ref)
	if rx == nil {
		return ErrUnknownHandle
	}
	if rx.state != rxInit {
		return ErrInFlight
	}
	if rx.flags&flagTagged != 0 {
		ep.recvTaggedList = removeRef(ep.recvTaggedList, rx.ref)
	} else {
		ep.recvList = removeRef(ep.recvList, rx.ref)
	}
	ep.writeCompletion(Completion{
		Ctx:             rx.ctx,
		Op:              OpRecv,
		Canceled:        true,
		MultiRecvClosed: rx.flags&flagMultiRecvPosted != 0,
	}, rmRxCQFull)
	if rx.consumers > 0 {
		rx.withdrawn = true
	} else {
		ep.rxPool.release(rx)
	}
	return nil
}

func removeRef(list []entryRef, ref entryRef) []entryRef {
	for i, r := range list {
		if r == ref {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// takeUnexp finds and removes the oldest unexpected message matching a newly
// posted receive.
func (ep *Endpoint) takeUnexp(rx *rxEntry) *rxEntry {
	list := &ep.unexpList
	if rx.flags&flagTagged != 0 {
		list = &ep.unexpTaggedList
	}
	for i, ref := range *list {
		urx := ep.rxPool.get(ref)
		if urx == nil {
			continue
		}
		if !matchAddr(rx.addr, urx.addr) {
			continue
		}
		if rx.flags&flagTagged != 0 && !matchTag(rx.tag, rx.ignore, urx.tag) {
			continue
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		return urx
	}
	return nil
}

// drainUnexpIntoMulti feeds buffered unexpected messages into a freshly
// posted multi-receive buffer, oldest first.
func (ep *Endpoint) drainUnexpIntoMulti(posted *rxEntry) {
	for !posted.withdrawn {
		var urx *rxEntry
		for i, ref := range ep.unexpList {
			if u := ep.rxPool.get(ref); u != nil {
				ep.unexpList = append(ep.unexpList[:i], ep.unexpList[i+1:]...)
				urx = u
				break
			}
		}
		if urx == nil {
			return
		}
		p := ep.getPeer(urx.addr)
		pkt := urx.unexpPkt
		urx.unexpPkt = nil
		ep.rxPool.release(urx)
		consumer := ep.splitMultiRecv(posted, pkt.hdr.totalLen)
		if consumer == nil {
			// no entry available; put the message back
			if nrx, err := ep.rxPool.alloc(); err == nil {
				ep.adoptUnexp(nrx, p, pkt)
			}
			pkt.release()
			return
		}
		ep.initMatchedRx(p, consumer, pkt, false)
		pkt.release()
	}
}

// splitMultiRecv carves a consumer entry for one incoming message off a
// posted multi-receive buffer. The posted entry stays alive until all
// consumers finish; it is withdrawn once the remainder is below the
// minimum-receive-size policy.
func (ep *Endpoint) splitMultiRecv(posted *rxEntry, total uint64) *rxEntry {
	consumer, err := ep.rxPool.alloc()
	if err != nil {
		return nil
	}
	remaining := uint64(len(posted.buf)) - posted.used
	take := minU64(total, remaining)
	consumer.op = OpRecv
	consumer.flags = flagMultiRecvConsumer
	consumer.buf = posted.buf[posted.used : posted.used+take]
	consumer.ctx = posted.ctx
	consumer.master = posted
	posted.used += take
	posted.consumers++
	if uint64(len(posted.buf))-posted.used < uint64(ep.cfg.MinMultiRecvSize) {
		posted.withdrawn = true
		ep.recvList = removeRef(ep.recvList, posted.ref)
		consumer.closesMulti = true
	}
	return consumer
}

// adoptUnexp initializes an entry as an unexpected message retaining pkt.
func (ep *Endpoint) adoptUnexp(rx *rxEntry, p *peer, pkt *packetEntry) {
	hdr := &pkt.hdr
	rx.op = OpRecv
	rx.state = rxUnexp
	rx.addr = pkt.peer
	rx.tag = hdr.tag
	rx.flags = hdr.flags & flagTagged
	rx.msgID = hdr.msgID
	rx.txID = hdr.txID
	rx.totalLen = hdr.totalLen
	rx.cqData = hdr.cqData
	rx.creditReq = hdr.creditReq
	rx.unexpPkt = pkt.clone()
	if hdr.flags&flagTagged != 0 {
		ep.unexpTaggedList = append(ep.unexpTaggedList, rx.ref)
	} else {
		ep.unexpList = append(ep.unexpList, rx.ref)
	}
	ep.stats.UnexpectedMsgs++
}

func (ep *Endpoint) creditRequestFor(p *peer, total uint64) uint16 {
	sub := ep.transportFor(p)
	need := ep.packetsFor(sub, total)
	if need < uint64(ep.cfg.TxMinCredits) {
		return ep.cfg.TxMinCredits
	}
	if need > uint64(ep.cfg.TxMaxCredits) {
		return ep.cfg.TxMaxCredits
	}
	return uint16(need)
}

const dataHdrSize = hdrFixedSize + 8

func (ep *Endpoint) packetsFor(sub *substrate, total uint64) uint64 {
	per := uint64(sub.tp.MTU() - dataHdrSize)
	return (total + per - 1) / per
}

// registerSendBufs registers every gather buffer for zero-copy data packets.
// All or nothing: a partially registered list would leave the data builder
// unable to tell which segments may skip the staging copy.
func (ep *Endpoint) registerSendBufs(p *peer, tx *txEntry) {
	sub := ep.transportFor(p)
	for _, b := range tx.iov {
		h, err := sub.tp.RegisterMemory(b)
		if err != nil {
			log.Debugf("send buffer registration failed, staying on copy path: %v", err)
			for _, done := range tx.mr {
				if derr := sub.tp.DeregisterMemory(done); derr != nil {
					log.Debugf("deregister failed: %v", derr)
				}
			}
			tx.mr = nil
			return
		}
		tx.mr = append(tx.mr, h)
	}
}

func (ep *Endpoint) queueTx(tx *txEntry) {
	if !tx.onQueued {
		tx.onQueued = true
		ep.txQueuedList = append(ep.txQueuedList, tx.ref)
	}
}

func (ep *Endpoint) queueRx(rx *rxEntry) {
	if !rx.onQueued {
		rx.onQueued = true
		ep.rxQueuedList = append(ep.rxQueuedList, rx.ref)
	}
}

func (ep *Endpoint) pendTx(tx *txEntry) {
	if !tx.onPending {
		tx.onPending = true
		ep.txPendingList = append(ep.txPendingList, tx.ref)
	}
}

// completeTx emits the success completion for a finished send-side entry and
// frees it.
func (ep *Endpoint) completeTx(tx *txEntry) {
	if !tx.noCompletion {
		ep.writeCompletion(Completion{
			Ctx:  tx.ctx,
			Op:   tx.op,
			Peer: tx.addr,
			Tag:  tx.tag,
			Len:  tx.totalLen,
		}, rmTxCQFull)
		ep.stats.SendCompletions++
	}
	ep.releaseTx(tx)
}

func (ep *Endpoint) releaseTx(tx *txEntry) {
	if len(tx.mr) > 0 {
		sub := ep.transportFor(ep.getPeer(tx.addr))
		for _, h := range tx.mr {
			if err := sub.tp.DeregisterMemory(h); err != nil {
				log.Debugf("deregister failed: %v", err)
			}
		}
	}
	ep.txPool.release(tx)
}

// failTx surfaces an operation-fatal transport error and forces the entry to
// terminal free after dropping its queued packets.
func (ep *Endpoint) failTx(tx *txEntry, status Status, errno int) {
	log.Errorf("%v to peer %d failed: %v (errno %d)", tx.op, tx.addr, status, errno)
	ep.stats.FailedSends++
	for _, pkt := range tx.queuedPkts {
		pkt.release()
	}
	tx.queuedPkts = nil
	if !tx.noCompletion {
		ep.writeErrCompletion(Completion{
			Ctx:  tx.ctx,
			Op:   tx.op,
			Peer: tx.addr,
			Tag:  tx.tag,
			Err:  &TransportError{Status: status, Errno: errno},
		})
	}
	ep.releaseTx(tx)
}

func (ep *Endpoint) failRx(rx *rxEntry, status Status, errno int) {
	for _, pkt := range rx.queuedPkts {
		pkt.release()
	}
	rx.queuedPkts = nil
	ep.writeErrCompletion(Completion{
		Ctx:  rx.ctx,
		Op:   rx.op,
		Peer: rx.addr,
		Tag:  rx.tag,
		Err:  &TransportError{Status: status, Errno: errno},
	})
	if rx.ordered {
		// free the completion-order slot so later messages are not stuck
		ep.markDone(ep.getPeer(rx.addr), rx.msgID, Completion{}, false)
	}
	ep.rxPool.release(rx)
}

func (ep *Endpoint) writeCompletion(c Completion, bit uint8) {
	if ep.rmFull != 0 || !ep.cq.push(c) {
		ep.rmFull |= bit
		ep.deferred = append(ep.deferred, c)
		ep.stats.DeferredCompletions++
	}
}

// writeErrCompletion is the must-deliver path: an application-visible
// failure that cannot be reported leaves the process in a state it must not
// continue from.
func (ep *Endpoint) writeErrCompletion(c Completion) {
	if !ep.cq.pushErr(c) {
		log.Fatalf("unable to report error completion (op %v peer %d): %v", c.Op, c.Peer, c.Err)
	}
}
