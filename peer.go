package rxr

import (
	"math/rand"
	"time"

	"github.com/getlantern/ema"
)

type peerState uint8

const (
	peerFree    peerState = iota
	peerConnReq           // first RTS with our address sent, CONNACK pending
	peerAcked             // CONNACK received
)

// peer holds the flow-control and reordering state for one remote endpoint
// address. Peers are created lazily on first contact and mutated only by the
// progress engine and the posting calls the caller serializes with it.
type peer struct {
	addr    PeerAddr
	isLocal bool

	txInit bool
	rxInit bool
	state  peerState

	// sender's view of the next message sequence; wraps at 32 bits.
	nextMsgID uint32
	// receiver's reorder window, allocated on first inbound contact.
	robuf *reorderBuffer

	txCredits uint16
	rxCredits uint16
	txPending int

	inBackoff bool
	// backedOff marks that the exponent was already raised during the
	// current progress pass, so a burst of RNR completions counts once.
	backedOff  bool
	rnrTS      time.Time
	baseRNR    time.Duration
	timeoutExp uint

	// control packets with no owning entry (CONNACK) queued on RNR or
	// transmit-queue-full, retried when the backoff clears.
	queuedPkts []*packetEntry

	// cqOrder serializes receive completions by message id: a rendezvous
	// message must not be overtaken in the completion queue by a later,
	// shorter one. Slots are appended at match time and retired in order.
	cqOrder []cqHold

	connReqAt time.Time
	rtt       *ema.EMA
}

// cqHold is one in-order completion slot. done marks the message finished;
// has marks that a completion record should actually be written (silent
// operations finish without one).
type cqHold struct {
	msgID uint32
	done  bool
	has   bool
	comp  Completion
}

func newPeer(addr PeerAddr) *peer {
	return &peer{
		addr: addr,
		rtt:  ema.NewDuration(0, 0.1),
	}
}

// canSend reports whether a new packet to this peer may be issued now.
func (p *peer) canSend() bool {
	return !p.inBackoff && p.txCredits > 0
}

func (p *peer) onSendIssued() {
	p.txCredits--
	p.txPending++
}

func (p *peer) onSendDone(maxCredits uint16) {
	p.txPending--
	if p.txCredits < maxCredits {
		p.txCredits++
	}
	if !p.inBackoff {
		// a delivered send ends the consecutive-RNR streak
		p.timeoutExp = 0
	}
}

// onRNR returns the credit consumed by the bounced packet and arms (or
// extends) the backoff timer. The exponent is raised at most once per
// progress pass and stops growing once the computed timeout hits the cap.
func (p *peer) onRNR(now time.Time, cfg *Config) {
	p.txPending--
	if p.txCredits < cfg.TxMaxCredits {
		p.txCredits++
	}
	if p.baseRNR == 0 {
		spread := int64(cfg.MaxRNRBase - cfg.MinRNRBase)
		p.baseRNR = cfg.MinRNRBase + time.Duration(rand.Int63n(spread+1))
	}
	p.rnrTS = now
	p.inBackoff = true
	if !p.backedOff {
		p.backedOff = true
		if p.baseRNR<<(p.timeoutExp+1) < cfg.MaxRNRTimeout {
			p.timeoutExp++
		}
	}
}

func (p *peer) backoffTimeout(max time.Duration) time.Duration {
	d := p.baseRNR << p.timeoutExp
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (p *peer) timeoutExpired(now time.Time, max time.Duration) bool {
	return !now.Before(p.rnrTS.Add(p.backoffTimeout(max)))
}

// PeerInfo is a read-only snapshot of per-peer protocol state.
type PeerInfo struct {
	TxCredits uint16
	RxCredits uint16
	TxPending int
	InBackoff bool
	Acked     bool
	Local     bool

	// RTT is the smoothed control-packet round trip to this peer.
	RTT           time.Duration
	NextMsgID     uint32
	ExpectedMsgID uint32
}

func (p *peer) info() PeerInfo {
	pi := PeerInfo{
		TxCredits: p.txCredits,
		RxCredits: p.rxCredits,
		TxPending: p.txPending,
		InBackoff: p.inBackoff,
		Acked:     p.state == peerAcked,
		Local:     p.isLocal,
		RTT:       p.rtt.GetDuration(),
		NextMsgID: p.nextMsgID,
	}
	if p.robuf != nil {
		pi.ExpectedMsgID = p.robuf.expected
	}
	return pi
}
