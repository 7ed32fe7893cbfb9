// Package rxr implements a reliable, ordered, flow-controlled message
// protocol on top of an unreliable, unordered datagram transport. It
// provides reliable-datagram send/recv with tag matching, credit-based flow
// control, receiver-not-ready (RNR) backoff, large-message rendezvous and
// emulated RMA read/write, without assuming any ordering or reliability
// guarantee from the transport underneath.
//
// Every packet starts with a fixed header, little-endian:
//
//	 -------------------------------------------------------------
//	|  version(1)  |  type(1)  |  flags(2)  |  msg id(4)  |
//	 -------------------------------------------------------------
//	|  tx id(4)  |  rx id(4)  |  optional fields...  |  payload  |
//	 -------------------------------------------------------------
//
// Optional fields are present depending on flags and packet type: tag(8)
// when the tagged flag is set, completion data(8), source address(8), and
// per-type fields such as total length(8) and credit request(2) on RTS,
// granted window(4) on CTS, or payload offset(8) on DATA.
//
// A message starts with an RTS ("ready to send") packet carrying as much
// payload as fits in one MTU. Larger messages wait for a CTS ("clear to
// send") granting a window of data packets; the receiver issues further CTS
// grants as the window drains. First contact with a peer carries the sender
// address and is answered with a CONNACK. Emulated RMA read uses a
// READREQ/READRSP exchange terminated by an EOR ("end of read") packet.
package rxr

import (
	"errors"

	"github.com/getlantern/golog"
)

// Protocol constants. Packets carrying a different protocol version are
// dropped before touching any entry state.
const (
	MajorVersion    = 2
	MinorVersion    = 0
	ProtocolVersion = 4

	// iovLimit bounds the scatter/gather descriptors per operation.
	iovLimit = 4
)

// Wire flags.
const (
	flagTagged uint16 = 1 << iota
	flagRemoteCQData
	flagRemoteSrcAddr
	flagRecvCancel
	flagMultiRecvPosted
	flagMultiRecvConsumer
	flagWrite
	flagReadReq
	flagReadData
	flagCreditRequest
)

var (
	ErrUnexpectedVersion = errors.New("unexpected protocol version")
	ErrMalformedHeader   = errors.New("malformed packet header")
	ErrExhausted         = errors.New("buffer pool exhausted")
	ErrQueueFull         = errors.New("transmit queue full")
	ErrClosed            = errors.New("closed endpoint")
	ErrIOVLimit          = errors.New("scatter-gather list too long")
	ErrTruncated         = errors.New("message truncated")
	ErrUnknownHandle     = errors.New("unknown receive handle")
	ErrInFlight          = errors.New("operation already matched")
	ErrUnknownRegion     = errors.New("unknown memory region")

	log = golog.LoggerFor("rxr")
)

// seqDiff compares two 32-bit wrapping sequence numbers. Negative means a is
// older than b.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

func matchAddr(want, got PeerAddr) bool {
	return want == AddrUnspec || want == got
}

func matchTag(tag, ignore, got uint64) bool {
	return (tag | ignore) == (got | ignore)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
