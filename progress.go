package rxr

import (
	"time"
)

// Progress drives the engine one bounded pass: expire RNR backoffs, drain
// transport completions, retry queued entries, push data inside granted
// windows and repost receive buffers. The caller invokes it from its event
// loop; nothing makes progress between calls.
func (ep *Endpoint) Progress() {
	if ep.closed {
		return
	}
	ep.checkBackoffs(time.Now())
	ep.flushUnexpPending()
	ep.pollTransport(ep.sub)
	if ep.localSub != nil {
		ep.pollTransport(ep.localSub)
	}
	ep.retryQueued()
	ep.progressPending()
	ep.replenish(ep.sub)
	if ep.localSub != nil {
		ep.replenish(ep.localSub)
	}
	ep.flushDeferred()
}

// checkBackoffs clears the once-per-pass RNR marker and releases peers whose
// backoff timer ran out, flushing any ownerless control packets they queued.
func (ep *Endpoint) checkBackoffs(now time.Time) {
	keep := ep.backoffPeers[:0]
	for _, p := range ep.backoffPeers {
		p.backedOff = false
		if p.timeoutExpired(now, ep.cfg.MaxRNRTimeout) {
			p.inBackoff = false
			log.Tracef("peer %d backoff expired after %v", p.addr, p.backoffTimeout(ep.cfg.MaxRNRTimeout))
			ep.flushPeerPkts(p)
		}
		if p.inBackoff {
			keep = append(keep, p)
		}
	}
	ep.backoffPeers = keep
}

func (ep *Endpoint) flushPeerPkts(p *peer) {
	for len(p.queuedPkts) > 0 {
		if !p.canSend() {
			return
		}
		if err := ep.sendPkt(p, p.queuedPkts[0]); err != nil {
			return
		}
		p.queuedPkts = p.queuedPkts[1:]
	}
}

func (ep *Endpoint) pollTransport(sub *substrate) {
	n := sub.tp.Poll(ep.events)
	for i := 0; i < n; i++ {
		ev := &ep.events[i]
		switch ev.Kind {
		case EventSent:
			ep.handleSent(ev)
		case EventReceived:
			ep.handleRecv(sub, ev)
		}
	}
}

// sendPkt posts one packet, consuming a peer send credit on success.
// Zero-copy packets carry only the header in their slot; the transport
// gathers the payload straight out of the registered region.
func (ep *Endpoint) sendPkt(p *peer, pkt *packetEntry) error {
	sub := ep.transportFor(p)
	var err error
	if pkt.useMR {
		err = sub.tp.PostSendMR(p.addr, pkt.wire, pkt.mr, pkt.mrOff, pkt.mrLen, pkt)
	} else {
		err = sub.tp.PostSend(p.addr, pkt.wire, pkt)
	}
	if err != nil {
		return err
	}
	p.onSendIssued()
	ep.stats.Sends++
	return nil
}

func (ep *Endpoint) handleSent(ev *TransportEvent) {
	pkt := ev.Ctx.(*packetEntry)
	p := ep.getPeer(pkt.peer)
	switch ev.Status {
	case StatusOK:
		p.onSendDone(ep.cfg.TxMaxCredits)
		ep.handleSendDone(p, pkt)
		pkt.release()
	case StatusRNR:
		ep.stats.RNRs++
		ep.handleRNR(p, pkt)
	default:
		p.onSendDone(ep.cfg.TxMaxCredits)
		ep.handleSendError(p, pkt, ev)
		pkt.release()
	}
}

func (ep *Endpoint) handleSendDone(p *peer, pkt *packetEntry) {
	switch pkt.owner.kind {
	case kindTx:
		tx := ep.txPool.get(pkt.owner)
		if tx == nil {
			return
		}
		switch pkt.hdr.ptype {
		case pktRTS, pktData:
			tx.bytesAcked += uint64(pkt.payloadLen())
			if tx.bytesAcked >= tx.totalLen && tx.bytesSent >= tx.totalLen &&
				!tx.state.queued() && len(tx.queuedPkts) == 0 {
				ep.completeTx(tx)
			}
		case pktReadRsp:
			// the entry stays around until the initiator's EOR
			tx.bytesAcked += uint64(pkt.payloadLen())
		case pktReadReq:
			if tx.state == txWaitReadResp {
				tx.state = txWaitReadFinish
			}
		}
	case kindRx:
		rx := ep.rxPool.get(pkt.owner)
		if rx == nil {
			return
		}
		if pkt.hdr.ptype == pktEOR && rx.op == OpRead {
			ep.rxPool.release(rx)
		}
	}
}

// handleRNR parks the bounced packet for in-order retry and arms the peer's
// backoff timer. The packet is not released; it is resent verbatim once the
// backoff clears.
func (ep *Endpoint) handleRNR(p *peer, pkt *packetEntry) {
	if !p.inBackoff {
		ep.backoffPeers = append(ep.backoffPeers, p)
	}
	p.onRNR(time.Now(), &ep.cfg)
	log.Tracef("%v to peer %d bounced, backing off %v",
		pkt.hdr.ptype, p.addr, p.backoffTimeout(ep.cfg.MaxRNRTimeout))
	switch pkt.owner.kind {
	case kindTx:
		if tx := ep.txPool.get(pkt.owner); tx != nil {
			if !tx.state.queued() {
				tx.resume = tx.state
				switch pkt.hdr.ptype {
				case pktData:
					tx.state = txQueuedDataRNR
				case pktReadRsp:
					tx.state = txQueuedReadRsp
				default:
					tx.state = txQueuedRTSRNR
				}
			}
			tx.queuedPkts = append(tx.queuedPkts, pkt)
			ep.queueTx(tx)
			return
		}
	case kindRx:
		if rx := ep.rxPool.get(pkt.owner); rx != nil {
			if !rx.state.queued() {
				rx.resume = rx.state
				if pkt.hdr.ptype == pktEOR {
					rx.state = rxQueuedEOR
				} else {
					rx.state = rxQueuedCTSRNR
				}
			}
			rx.queuedPkts = append(rx.queuedPkts, pkt)
			ep.queueRx(rx)
			return
		}
	}
	// ownerless control packet, or the owner is already gone
	p.queuedPkts = append(p.queuedPkts, pkt)
}

func (ep *Endpoint) handleSendError(p *peer, pkt *packetEntry, ev *TransportEvent) {
	switch pkt.owner.kind {
	case kindTx:
		if tx := ep.txPool.get(pkt.owner); tx != nil {
			ep.failTx(tx, ev.Status, ev.Errno)
			return
		}
	case kindRx:
		if rx := ep.rxPool.get(pkt.owner); rx != nil {
			ep.failRx(rx, ev.Status, ev.Errno)
			return
		}
	}
	log.Errorf("%v to peer %d failed: %v (errno %d)", pkt.hdr.ptype, p.addr, ev.Status, ev.Errno)
}

func (ep *Endpoint) handleRecv(sub *substrate, ev *TransportEvent) {
	pkt := ev.Ctx.(*packetEntry)
	sub.posted--
	if ev.Status != StatusOK {
		log.Debugf("receive failed: %v (errno %d)", ev.Status, ev.Errno)
		pkt.release()
		return
	}
	pkt.wire = pkt.buf[:ev.Len]
	n, err := pkt.hdr.unmarshal(pkt.wire)
	if err != nil {
		ep.stats.ProtocolErrors++
		log.Errorf("dropping packet from peer %d: %v", ev.Peer, err)
		pkt.release()
		return
	}
	pkt.payload = pkt.wire[n:]
	pkt.peer = ev.Peer
	ep.handlePacket(pkt)
	pkt.release()
}

// handlePacket dispatches one inbound packet. Request packets (RTS, READREQ)
// carry the per-peer message sequence and go through the reorder window;
// everything else is routed directly by the entry ids it carries. The engine
// never retains the packet, cloning anything it must keep.
func (ep *Endpoint) handlePacket(pkt *packetEntry) {
	p := ep.getPeer(pkt.peer)
	ep.peerTxInit(p)
	ep.peerRxInit(p)
	switch pkt.hdr.ptype {
	case pktConnAck:
		ep.handleConnAck(p)
	case pktCTS:
		ep.handleCTS(&pkt.hdr)
	case pktData:
		ep.handleData(p, pkt)
	case pktReadRsp:
		ep.handleReadRsp(p, pkt)
	case pktEOR:
		ep.handleEOR(&pkt.hdr)
	case pktRTS, pktReadReq:
		ep.handleReq(p, pkt)
	default:
		ep.stats.ProtocolErrors++
		log.Errorf("unknown packet type %d from peer %d", pkt.hdr.ptype, pkt.peer)
	}
}

func (ep *Endpoint) handleReq(p *peer, pkt *packetEntry) {
	if pkt.hdr.flags&flagRemoteSrcAddr != 0 {
		ep.sendConnAck(p)
	}
	if ep.cfg.Unordered {
		ep.processReq(p, pkt)
		return
	}
	switch p.robuf.classify(pkt.hdr.msgID) {
	case reorderDeliver:
		ep.processReq(p, pkt)
		p.robuf.advance()
		for next := p.robuf.next(); next != nil; next = p.robuf.next() {
			ep.processReq(p, next)
			p.robuf.advance()
			next.release()
		}
	case reorderBuffered:
		log.Tracef("buffering msg %d from peer %d, expecting %d", pkt.hdr.msgID, p.addr, p.robuf.expected)
		p.robuf.store(pkt.clone())
	case reorderDuplicate:
		ep.stats.Duplicates++
		log.Tracef("duplicate msg %d from peer %d", pkt.hdr.msgID, p.addr)
	case reorderOverflow:
		ep.stats.BeyondWindowDrops++
		log.Debugf("msg %d from peer %d beyond reorder window at %d, dropping",
			pkt.hdr.msgID, p.addr, p.robuf.expected)
	}
}

func (ep *Endpoint) processReq(p *peer, pkt *packetEntry) {
	if pkt.hdr.ptype == pktReadReq {
		ep.handleReadReq(p, pkt)
		return
	}
	if pkt.hdr.flags&flagWrite != 0 {
		ep.handleWriteReq(p, pkt)
		return
	}
	rx := ep.matchRecv(pkt)
	if rx == nil {
		urx, err := ep.rxPool.alloc()
		if err != nil {
			// the message sequence is already consumed and the sender sees a
			// delivered packet; dropping here would lose it for good
			log.Debugf("retaining unexpected msg %d from peer %d until an entry frees: %v",
				pkt.hdr.msgID, pkt.peer, err)
			ep.unexpPending = append(ep.unexpPending, pkt.clone())
			return
		}
		ep.adoptUnexp(urx, p, pkt)
		return
	}
	ep.initMatchedRx(p, rx, pkt, true)
}

// flushUnexpPending retries adopting unexpected messages that arrived while
// the entry pool was exhausted, oldest first so matching order holds.
func (ep *Endpoint) flushUnexpPending() {
	for len(ep.unexpPending) > 0 {
		rx, err := ep.rxPool.alloc()
		if err != nil {
			return
		}
		pkt := ep.unexpPending[0]
		ep.unexpPending = ep.unexpPending[1:]
		ep.adoptUnexp(rx, ep.getPeer(pkt.peer), pkt)
		pkt.release()
	}
}

// matchRecv finds the oldest posted receive matching the message, consuming
// it (or carving a consumer off a multi-receive buffer).
func (ep *Endpoint) matchRecv(pkt *packetEntry) *rxEntry {
	hdr := &pkt.hdr
	if hdr.flags&flagTagged != 0 {
		for i, ref := range ep.recvTaggedList {
			rx := ep.rxPool.get(ref)
			if rx == nil {
				continue
			}
			if rx.matches(pkt.peer, hdr.tag, true) {
				ep.recvTaggedList = append(ep.recvTaggedList[:i], ep.recvTaggedList[i+1:]...)
				return rx
			}
		}
		return nil
	}
	for i, ref := range ep.recvList {
		rx := ep.rxPool.get(ref)
		if rx == nil {
			continue
		}
		if rx.flags&flagMultiRecvPosted != 0 {
			if consumer := ep.splitMultiRecv(rx, hdr.totalLen); consumer != nil {
				return consumer
			}
			continue
		}
		if rx.matches(pkt.peer, 0, false) {
			ep.recvList = append(ep.recvList[:i], ep.recvList[i+1:]...)
			return rx
		}
	}
	return nil
}

// initMatchedRx lands the request packet's payload in the matched receive
// and either completes the message or opens the rendezvous with a CTS.
// ordered is true when the match happens in stream order (the request just
// came through the reorder window); such receives take a completion-order
// slot so a later short message cannot overtake an earlier rendezvous in the
// completion queue. Late matches against retained unexpected messages are
// reported when they finish: their slot in the stream has already passed,
// and holding them could wait forever on a receive the application never
// posts.
func (ep *Endpoint) initMatchedRx(p *peer, rx *rxEntry, pkt *packetEntry, ordered bool) {
	hdr := &pkt.hdr
	rx.state = rxMatched
	rx.ordered = ordered && !ep.cfg.Unordered
	if rx.ordered {
		p.cqOrder = append(p.cqOrder, cqHold{msgID: hdr.msgID})
	}
	rx.addr = pkt.peer
	rx.msgID = hdr.msgID
	rx.txID = hdr.txID
	rx.totalLen = hdr.totalLen
	rx.creditReq = hdr.creditReq
	if hdr.flags&flagTagged != 0 {
		rx.tag = hdr.tag
	}
	if hdr.flags&flagRemoteCQData != 0 {
		rx.cqData = hdr.cqData
		rx.flags |= flagRemoteCQData
	}
	if rx.totalLen > uint64(len(rx.buf)) {
		rx.truncated = true
	}
	copy(rx.buf, pkt.payload)
	rx.bytesDone = uint64(len(pkt.payload))
	if rx.bytesDone >= rx.totalLen {
		ep.finishRx(rx)
		return
	}
	rx.state = rxRecv
	ep.sendCTS(p, rx)
}

// finishRx retires a finished receive-side entry. The completion is written
// immediately, or parked in the peer's completion-order slot while an
// earlier message is still in flight. Truncation errors bypass the ordering
// hold; they go through the must-deliver error path right away.
func (ep *Endpoint) finishRx(rx *rxEntry) {
	if rx.master != nil {
		m := rx.master
		m.consumers--
		if m.withdrawn && m.consumers == 0 {
			ep.rxPool.release(m)
		}
	}
	c := Completion{
		Ctx:             rx.ctx,
		Op:              rx.op,
		Peer:            rx.addr,
		Tag:             rx.tag,
		Data:            rx.cqData,
		Len:             minU64(rx.totalLen, uint64(len(rx.buf))),
		MultiRecvClosed: rx.closesMulti,
	}
	has := !(rx.op == OpWrite && rx.flags&flagRemoteCQData == 0)
	if has && rx.truncated {
		c.Err = ErrTruncated
		ep.writeErrCompletion(c)
		ep.stats.RecvCompletions++
		has = false
	}
	if rx.ordered {
		ep.markDone(ep.getPeer(rx.addr), rx.msgID, c, has)
	} else if has {
		ep.writeCompletion(c, rmRxCQFull)
		ep.stats.RecvCompletions++
	}
	ep.rxPool.release(rx)
}

// markDone fills a peer's completion-order slot and flushes the prefix of
// finished messages, writing their completions in message-id order.
func (ep *Endpoint) markDone(p *peer, msgID uint32, c Completion, has bool) {
	for i := range p.cqOrder {
		if p.cqOrder[i].msgID == msgID {
			p.cqOrder[i].done = true
			p.cqOrder[i].comp = c
			p.cqOrder[i].has = has
			break
		}
	}
	for len(p.cqOrder) > 0 && p.cqOrder[0].done {
		h := p.cqOrder[0]
		p.cqOrder = p.cqOrder[1:]
		if h.has {
			ep.writeCompletion(h.comp, rmRxCQFull)
			ep.stats.RecvCompletions++
		}
	}
}

func (ep *Endpoint) handleConnAck(p *peer) {
	if p.state == peerConnReq {
		p.state = peerAcked
		p.rtt.UpdateDuration(time.Since(p.connReqAt))
		log.Debugf("peer %d acked, rtt %v", p.addr, p.rtt.GetDuration())
	}
}

func (ep *Endpoint) handleCTS(hdr *header) {
	tx := ep.txPool.byID(hdr.txID)
	if tx == nil {
		log.Tracef("CTS for retired entry %d", hdr.txID)
		return
	}
	tx.rxID = hdr.rxID
	tx.window += int64(hdr.window)
	if tx.state == txRTS {
		tx.state = txSend
		tx.resume = txSend
	}
	ep.pendTx(tx)
}

func (ep *Endpoint) handleData(p *peer, pkt *packetEntry) {
	hdr := &pkt.hdr
	rx := ep.rxPool.byID(hdr.rxID)
	if rx == nil || rx.txID != hdr.txID {
		ep.stats.Duplicates++
		return
	}
	if hdr.offset < uint64(len(rx.buf)) {
		copy(rx.buf[hdr.offset:], pkt.payload)
	}
	rx.bytesDone += uint64(len(pkt.payload))
	rx.window--
	if p.rxCredits < ep.cfg.RxWindowSize {
		p.rxCredits++
	}
	if rx.bytesDone >= rx.totalLen {
		ep.finishRx(rx)
		return
	}
	if rx.window <= 0 && !rx.state.queued() {
		ep.sendCTS(p, rx)
	}
}

// emulated RMA write: same flow as a message receive, landing directly in
// the registered region.

func (ep *Endpoint) handleWriteReq(p *peer, pkt *packetEntry) {
	hdr := &pkt.hdr
	buf, err := ep.mem.resolve(hdr.rmaKey, hdr.rmaOffset, hdr.totalLen)
	if err != nil {
		ep.stats.ProtocolErrors++
		log.Errorf("write from peer %d rejected: %v (key %d offset %d len %d)",
			pkt.peer, err, hdr.rmaKey, hdr.rmaOffset, hdr.totalLen)
		return
	}
	rx, err := ep.rxPool.alloc()
	if err != nil {
		ep.stats.ProtocolErrors++
		log.Errorf("dropping write from peer %d: %v", pkt.peer, err)
		return
	}
	rx.op = OpWrite
	rx.buf = buf
	ep.initMatchedRx(p, rx, pkt, true)
}

// emulated RMA read: the target becomes a sender streaming READRSP packets
// out of the registered region inside the window the initiator granted.

func (ep *Endpoint) handleReadReq(p *peer, pkt *packetEntry) {
	hdr := &pkt.hdr
	buf, err := ep.mem.resolve(hdr.rmaKey, hdr.rmaOffset, hdr.totalLen)
	if err != nil {
		ep.stats.ProtocolErrors++
		log.Errorf("read from peer %d rejected: %v (key %d offset %d len %d)",
			pkt.peer, err, hdr.rmaKey, hdr.rmaOffset, hdr.totalLen)
		return
	}
	tx, err := ep.txPool.alloc()
	if err != nil {
		ep.stats.ProtocolErrors++
		log.Errorf("dropping read from peer %d: %v", pkt.peer, err)
		return
	}
	ep.peerTxInit(p)
	tx.op = opReadRsp
	tx.addr = pkt.peer
	tx.msgID = hdr.msgID
	tx.rxID = hdr.rxID
	tx.iov = [][]byte{buf}
	tx.totalLen = hdr.totalLen
	tx.window = int64(hdr.window)
	tx.noCompletion = true
	tx.state = txSentReadRsp
	tx.resume = txSentReadRsp
	ep.pendTx(tx)
}

func (ep *Endpoint) handleReadRsp(p *peer, pkt *packetEntry) {
	hdr := &pkt.hdr
	rx := ep.rxPool.byID(hdr.rxID)
	if rx == nil || rx.op != OpRead {
		ep.stats.Duplicates++
		return
	}
	rx.txID = hdr.txID
	if hdr.offset < uint64(len(rx.buf)) {
		copy(rx.buf[hdr.offset:], pkt.payload)
	}
	rx.bytesDone += uint64(len(pkt.payload))
	rx.window--
	if p.rxCredits < ep.cfg.RxWindowSize {
		p.rxCredits++
	}
	if rx.bytesDone >= rx.totalLen {
		if tx := ep.txPool.get(rx.rmaLocTx); tx != nil {
			ep.completeTx(tx)
		}
		ep.sendEOR(p, rx)
		return
	}
	if rx.window <= 0 && !rx.state.queued() {
		ep.sendCTS(p, rx)
	}
}

func (ep *Endpoint) handleEOR(hdr *header) {
	tx := ep.txPool.byID(hdr.txID)
	if tx == nil || tx.op != opReadRsp {
		return
	}
	ep.releaseTx(tx)
}

// issueRTS starts an outbound message; issueReadReq starts an emulated read.
// Both go through the queued-control path when the peer is backed off or a
// packet cannot be built or posted right now.

func (ep *Endpoint) issueRTS(p *peer, tx *txEntry) {
	tx.state = txRTS
	tx.resume = txRTS
	if !p.canSend() {
		tx.queuedCtrl = pktRTS
		tx.state = txQueuedCtrl
		ep.queueTx(tx)
		return
	}
	ep.postReq(p, tx, pktRTS)
}

func (ep *Endpoint) issueReadReq(p *peer, tx *txEntry) {
	tx.state = txWaitReadResp
	tx.resume = txWaitReadResp
	if !p.canSend() {
		tx.queuedCtrl = pktReadReq
		tx.state = txQueuedCtrl
		ep.queueTx(tx)
		return
	}
	ep.postReq(p, tx, pktReadReq)
}

// postReq builds and posts a request packet. Build failure queues the entry
// for a rebuild; post failure parks the built packet for a verbatim resend.
func (ep *Endpoint) postReq(p *peer, tx *txEntry, ptype pktType) bool {
	sub := ep.transportFor(p)
	var pkt *packetEntry
	var err error
	if ptype == pktReadReq {
		pkt, err = ep.buildReadReq(sub, p, tx)
	} else {
		pkt, err = ep.buildRTS(sub, p, tx)
	}
	if err != nil {
		tx.queuedCtrl = ptype
		tx.state = txQueuedCtrl
		ep.queueTx(tx)
		return false
	}
	tx.queuedCtrl = 0
	if err := ep.sendPkt(p, pkt); err != nil {
		tx.queuedPkts = append(tx.queuedPkts, pkt)
		tx.state = txQueuedRTSRNR
		ep.queueTx(tx)
		return false
	}
	tx.state = tx.resume
	return true
}

func (ep *Endpoint) sendCTS(p *peer, rx *rxEntry) {
	rx.resume = rx.state
	if !p.canSend() {
		rx.queuedCtrl = pktCTS
		rx.state = rxQueuedCtrl
		ep.queueRx(rx)
		return
	}
	ep.postRxCtrl(p, rx, pktCTS)
}

func (ep *Endpoint) sendEOR(p *peer, rx *rxEntry) {
	rx.resume = rx.state
	if !p.canSend() {
		rx.queuedCtrl = pktEOR
		rx.state = rxQueuedCtrl
		ep.queueRx(rx)
		return
	}
	ep.postRxCtrl(p, rx, pktEOR)
}

func (ep *Endpoint) postRxCtrl(p *peer, rx *rxEntry, ptype pktType) bool {
	sub := ep.transportFor(p)
	var pkt *packetEntry
	var err error
	if ptype == pktEOR {
		pkt, err = ep.buildEOR(sub, rx)
	} else {
		pkt, err = ep.buildCTS(sub, p, rx)
	}
	if err != nil {
		rx.queuedCtrl = ptype
		rx.state = rxQueuedCtrl
		ep.queueRx(rx)
		return false
	}
	rx.queuedCtrl = 0
	if err := ep.sendPkt(p, pkt); err != nil {
		rx.queuedPkts = append(rx.queuedPkts, pkt)
		if ptype == pktEOR {
			rx.state = rxQueuedEOR
		} else {
			rx.state = rxQueuedCTSRNR
		}
		ep.queueRx(rx)
		return false
	}
	rx.state = rx.resume
	return true
}

func (ep *Endpoint) sendConnAck(p *peer) {
	sub := ep.transportFor(p)
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		// recoverable: the next address-carrying request triggers another
		return
	}
	hdr := header{version: ProtocolVersion, ptype: pktConnAck}
	pkt.hdr = hdr
	pkt.wire = pkt.buf[:hdr.marshal(pkt.buf)]
	pkt.peer = p.addr
	if !p.canSend() {
		p.queuedPkts = append(p.queuedPkts, pkt)
		return
	}
	if err := ep.sendPkt(p, pkt); err != nil {
		p.queuedPkts = append(p.queuedPkts, pkt)
	}
}

// grantWindow computes the data-packet window promised in a CTS or READREQ,
// bounded by the peer's receive credits but never zero so a sender is never
// stranded without a grant.
func (ep *Endpoint) grantWindow(p *peer, need uint64) uint32 {
	grant := need
	if grant > uint64(p.rxCredits) {
		grant = uint64(p.rxCredits)
	}
	if grant == 0 {
		grant = 1
	}
	if uint64(p.rxCredits) > grant {
		p.rxCredits -= uint16(grant)
	} else {
		p.rxCredits = 0
	}
	return uint32(grant)
}

// packet builders. Building advances the owning entry's counters, so each
// packet is built exactly once; bounced packets are resent verbatim.

func (ep *Endpoint) buildRTS(sub *substrate, p *peer, tx *txEntry) (*packetEntry, error) {
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		return nil, err
	}
	hdr := header{
		version:   ProtocolVersion,
		ptype:     pktRTS,
		flags:     tx.flags,
		msgID:     tx.msgID,
		txID:      tx.ref.id,
		tag:       tx.tag,
		cqData:    tx.cqData,
		totalLen:  tx.totalLen,
		creditReq: tx.creditReq,
		rmaKey:    tx.rmaKey,
		rmaOffset: tx.rmaOffset,
	}
	if p.state != peerAcked {
		hdr.flags |= flagRemoteSrcAddr
		hdr.srcAddr = uint64(ep.addr)
		if p.state == peerFree {
			p.state = peerConnReq
			p.connReqAt = time.Now()
		}
	}
	n := hdr.marshal(pkt.buf)
	take := minU64(tx.totalLen, uint64(sub.tp.MTU()-n))
	copyOut(pkt.buf[n:uint64(n)+take], tx.iov, 0)
	pkt.hdr = hdr
	pkt.wire = pkt.buf[:uint64(n)+take]
	pkt.payload = pkt.wire[n:]
	pkt.peer = tx.addr
	pkt.owner = tx.ref
	tx.bytesSent += take
	return pkt, nil
}

func (ep *Endpoint) buildReadReq(sub *substrate, p *peer, tx *txEntry) (*packetEntry, error) {
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		return nil, err
	}
	grant := ep.grantWindow(p, ep.packetsFor(sub, tx.totalLen))
	if rx := ep.rxPool.get(tx.rmaLocRx); rx != nil {
		rx.window += int64(grant)
	}
	hdr := header{
		version:   ProtocolVersion,
		ptype:     pktReadReq,
		flags:     tx.flags,
		msgID:     tx.msgID,
		txID:      tx.ref.id,
		rxID:      tx.rmaLocRx.id,
		totalLen:  tx.totalLen,
		rmaKey:    tx.rmaKey,
		rmaOffset: tx.rmaOffset,
		window:    grant,
	}
	if p.state != peerAcked {
		hdr.flags |= flagRemoteSrcAddr
		hdr.srcAddr = uint64(ep.addr)
		if p.state == peerFree {
			p.state = peerConnReq
			p.connReqAt = time.Now()
		}
	}
	pkt.hdr = hdr
	pkt.wire = pkt.buf[:hdr.marshal(pkt.buf)]
	pkt.peer = tx.addr
	pkt.owner = tx.ref
	return pkt, nil
}

func (ep *Endpoint) buildData(sub *substrate, tx *txEntry) (*packetEntry, error) {
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		return nil, err
	}
	ptype := pktData
	if tx.op == opReadRsp {
		ptype = pktReadRsp
	}
	hdr := header{
		version: ProtocolVersion,
		ptype:   ptype,
		msgID:   tx.msgID,
		txID:    tx.ref.id,
		rxID:    tx.rxID,
		offset:  tx.bytesSent,
	}
	n := hdr.marshal(pkt.buf)
	take := minU64(tx.remaining(), uint64(sub.tp.MTU()-n))
	if len(tx.mr) > 0 {
		// registered buffers: the transport gathers the payload from the
		// region, clamped so one packet never straddles two buffers
		i, segOff := iovLocate(tx.iov, tx.bytesSent)
		take = minU64(take, uint64(len(tx.iov[i]))-segOff)
		pkt.useMR = true
		pkt.mr = tx.mr[i]
		pkt.mrOff = int(segOff)
		pkt.mrLen = int(take)
		pkt.wire = pkt.buf[:n]
		pkt.payload = nil
	} else {
		copyOut(pkt.buf[n:uint64(n)+take], tx.iov, tx.bytesSent)
		pkt.wire = pkt.buf[:uint64(n)+take]
		pkt.payload = pkt.wire[n:]
	}
	pkt.hdr = hdr
	pkt.peer = tx.addr
	pkt.owner = tx.ref
	tx.bytesSent += take
	tx.window--
	return pkt, nil
}

// iovLocate maps a logical payload offset to a gather-list segment and the
// offset inside it.
func iovLocate(iov [][]byte, off uint64) (int, uint64) {
	for i, b := range iov {
		if off < uint64(len(b)) {
			return i, off
		}
		off -= uint64(len(b))
	}
	return len(iov) - 1, 0
}

func (ep *Endpoint) buildCTS(sub *substrate, p *peer, rx *rxEntry) (*packetEntry, error) {
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		return nil, err
	}
	grant := ep.grantWindow(p, ep.packetsFor(sub, rx.totalLen-rx.bytesDone))
	rx.window += int64(grant)
	hdr := header{
		version: ProtocolVersion,
		ptype:   pktCTS,
		txID:    rx.txID,
		rxID:    rx.ref.id,
		window:  grant,
	}
	pkt.hdr = hdr
	pkt.wire = pkt.buf[:hdr.marshal(pkt.buf)]
	pkt.peer = rx.addr
	pkt.owner = rx.ref
	return pkt, nil
}

func (ep *Endpoint) buildEOR(sub *substrate, rx *rxEntry) (*packetEntry, error) {
	pkt, err := sub.txPkts.acquire()
	if err != nil {
		return nil, err
	}
	hdr := header{
		version: ProtocolVersion,
		ptype:   pktEOR,
		txID:    rx.txID,
		rxID:    rx.ref.id,
	}
	pkt.hdr = hdr
	pkt.wire = pkt.buf[:hdr.marshal(pkt.buf)]
	pkt.peer = rx.addr
	pkt.owner = rx.ref
	return pkt, nil
}

// retryQueued resends what RNR, transmit-queue pressure or pool exhaustion
// held back, preserving original order per peer: once one entry for a peer
// fails to flush, the rest of that peer's queue stays put this pass.
func (ep *Endpoint) retryQueued() {
	for _, p := range ep.peers {
		if !p.inBackoff && len(p.queuedPkts) > 0 {
			ep.flushPeerPkts(p)
		}
	}

	var stalled map[PeerAddr]bool
	stall := func(addr PeerAddr) {
		if stalled == nil {
			stalled = make(map[PeerAddr]bool)
		}
		stalled[addr] = true
	}

	txKeep := ep.txQueuedList[:0]
	for _, ref := range ep.txQueuedList {
		tx := ep.txPool.get(ref)
		if tx == nil {
			continue
		}
		p := ep.getPeer(tx.addr)
		if p.inBackoff || stalled[p.addr] {
			txKeep = append(txKeep, ref)
			continue
		}
		if !ep.retryTx(p, tx) {
			stall(p.addr)
			txKeep = append(txKeep, ref)
			continue
		}
		tx.onQueued = false
	}
	ep.txQueuedList = txKeep

	rxKeep := ep.rxQueuedList[:0]
	for _, ref := range ep.rxQueuedList {
		rx := ep.rxPool.get(ref)
		if rx == nil {
			continue
		}
		p := ep.getPeer(rx.addr)
		if p.inBackoff || stalled[p.addr] {
			rxKeep = append(rxKeep, ref)
			continue
		}
		if !ep.retryRx(p, rx) {
			stall(p.addr)
			rxKeep = append(rxKeep, ref)
			continue
		}
		rx.onQueued = false
	}
	ep.rxQueuedList = rxKeep
}

func (ep *Endpoint) retryTx(p *peer, tx *txEntry) bool {
	for len(tx.queuedPkts) > 0 {
		if !p.canSend() {
			return false
		}
		if err := ep.sendPkt(p, tx.queuedPkts[0]); err != nil {
			return false
		}
		tx.queuedPkts = tx.queuedPkts[1:]
	}
	if tx.state == txQueuedCtrl {
		if !p.canSend() {
			return false
		}
		if !ep.postReq(p, tx, tx.queuedCtrl) {
			return false
		}
	} else {
		tx.state = tx.resume
	}
	if tx.window > 0 && tx.remaining() > 0 {
		ep.pendTx(tx)
	}
	return true
}

func (ep *Endpoint) retryRx(p *peer, rx *rxEntry) bool {
	for len(rx.queuedPkts) > 0 {
		if !p.canSend() {
			return false
		}
		if err := ep.sendPkt(p, rx.queuedPkts[0]); err != nil {
			return false
		}
		rx.queuedPkts = rx.queuedPkts[1:]
	}
	if rx.state == rxQueuedCtrl {
		if !p.canSend() {
			return false
		}
		return ep.postRxCtrl(p, rx, rx.queuedCtrl)
	}
	rx.state = rx.resume
	return true
}

// progressPending pushes data packets for entries holding an unexhausted
// window.
func (ep *Endpoint) progressPending() {
	list := ep.txPendingList
	ep.txPendingList = nil
	for _, ref := range list {
		tx := ep.txPool.get(ref)
		if tx == nil {
			continue
		}
		tx.onPending = false
		if tx.state.queued() {
			continue
		}
		ep.progressTx(ep.getPeer(tx.addr), tx)
	}
}

func (ep *Endpoint) progressTx(p *peer, tx *txEntry) {
	sub := ep.transportFor(p)
	for tx.window > 0 && tx.remaining() > 0 {
		if !p.canSend() {
			ep.pendTx(tx)
			return
		}
		pkt, err := ep.buildData(sub, tx)
		if err != nil {
			ep.pendTx(tx)
			return
		}
		if err := ep.sendPkt(p, pkt); err != nil {
			tx.queuedPkts = append(tx.queuedPkts, pkt)
			tx.resume = tx.state
			tx.state = txQueuedDataRNR
			ep.queueTx(tx)
			return
		}
	}
}

// replenish keeps the transport stocked with posted receive buffers.
func (ep *Endpoint) replenish(sub *substrate) {
	for sub.posted < sub.target {
		pkt, err := sub.rxPkts.acquire()
		if err != nil {
			return
		}
		if err := sub.tp.PostRecv(pkt.buf, pkt); err != nil {
			pkt.release()
			return
		}
		sub.posted++
	}
}

// flushDeferred drains completions deferred while the queue was full.
func (ep *Endpoint) flushDeferred() {
	for len(ep.deferred) > 0 && !ep.cq.full() {
		ep.cq.push(ep.deferred[0])
		ep.deferred = ep.deferred[1:]
	}
	if len(ep.deferred) == 0 {
		ep.rmFull = 0
	}
}
