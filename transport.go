package rxr

import "fmt"

// PeerAddr is the logical address of a remote endpoint as resolved by the
// surrounding system; address resolution itself is outside the engine.
type PeerAddr uint64

// AddrUnspec matches any sender on a posted receive.
const AddrUnspec = ^PeerAddr(0)

// Status classifies a transport completion.
type Status int

const (
	StatusOK Status = iota
	// StatusRNR: the receiving peer lacked resources to accept the packet.
	StatusRNR
	// StatusUnreachable: the peer is gone; the operation fails permanently.
	StatusUnreachable
	// StatusError: the transport failed the operation irrecoverably.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRNR:
		return "receiver not ready"
	case StatusUnreachable:
		return "peer unreachable"
	case StatusError:
		return "transport error"
	}
	return "unknown"
}

type EventKind uint8

const (
	EventSent EventKind = iota + 1
	EventReceived
)

// TransportEvent is one completion drained from the lower transport. Ctx is
// the value passed at post time and carries the packet back-reference.
type TransportEvent struct {
	Kind   EventKind
	Ctx    interface{}
	Peer   PeerAddr // source address on receives
	Len    int      // bytes received
	Status Status
	Errno  int // provider error code when Status != StatusOK
}

// MemoryHandle identifies a transport memory registration.
type MemoryHandle uint64

// Transport is the capability the engine requires from the lower fabric: post
// sends and receives, drain completions, register memory for zero-copy. It
// must not block; PostSend reports a full transmit queue as ErrQueueFull.
type Transport interface {
	PostSend(dst PeerAddr, buf []byte, ctx interface{}) error
	// PostSendMR sends hdr followed by n bytes of the registered region at
	// offset off, gathered by the transport without a staging copy.
	PostSendMR(dst PeerAddr, hdr []byte, mr MemoryHandle, off, n int, ctx interface{}) error
	PostRecv(buf []byte, ctx interface{}) error
	// Poll fills events with pending completions, returning the count.
	Poll(events []TransportEvent) int
	RegisterMemory(buf []byte) (MemoryHandle, error)
	DeregisterMemory(h MemoryHandle) error
	MTU() int
	Close() error
}

// TransportError carries a provider error surfaced through a completion.
type TransportError struct {
	Status Status
	Errno  int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v (errno %d)", e.Status, e.Errno)
}
