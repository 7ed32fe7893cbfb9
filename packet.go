package rxr

import "encoding/binary"

type pktType uint8

const (
	pktRTS pktType = iota + 1
	pktConnAck
	pktCTS
	pktData
	pktReadReq
	pktReadRsp
	pktEOR
)

func (t pktType) String() string {
	switch t {
	case pktRTS:
		return "RTS"
	case pktConnAck:
		return "CONNACK"
	case pktCTS:
		return "CTS"
	case pktData:
		return "DATA"
	case pktReadReq:
		return "READREQ"
	case pktReadRsp:
		return "READRSP"
	case pktEOR:
		return "EOR"
	}
	return "UNKNOWN"
}

const hdrFixedSize = 16

// header is the logical packet header. The fixed part is
// version/type/flags/msg id/tx id/rx id; the rest is present depending on
// flags and type, in the order the fields are declared below.
type header struct {
	version uint8
	ptype   pktType
	flags   uint16
	msgID   uint32
	txID    uint32
	rxID    uint32

	tag     uint64 // flagTagged
	cqData  uint64 // flagRemoteCQData
	srcAddr uint64 // flagRemoteSrcAddr

	totalLen  uint64 // RTS, READREQ
	creditReq uint16 // flagCreditRequest on RTS
	rmaKey    uint64 // RTS with flagWrite, READREQ
	rmaOffset uint64 // RTS with flagWrite, READREQ
	window    uint32 // CTS, READREQ
	offset    uint64 // DATA, READRSP
}

func (h *header) size() int {
	n := hdrFixedSize
	if h.flags&flagTagged != 0 {
		n += 8
	}
	if h.flags&flagRemoteCQData != 0 {
		n += 8
	}
	if h.flags&flagRemoteSrcAddr != 0 {
		n += 8
	}
	switch h.ptype {
	case pktRTS:
		n += 8
		if h.flags&flagCreditRequest != 0 {
			n += 2
		}
		if h.flags&flagWrite != 0 {
			n += 16
		}
	case pktReadReq:
		n += 8 + 16 + 4
	case pktCTS:
		n += 4
	case pktData, pktReadRsp:
		n += 8
	}
	return n
}

func (h *header) marshal(b []byte) int {
	b[0] = h.version
	b[1] = byte(h.ptype)
	binary.LittleEndian.PutUint16(b[2:], h.flags)
	binary.LittleEndian.PutUint32(b[4:], h.msgID)
	binary.LittleEndian.PutUint32(b[8:], h.txID)
	binary.LittleEndian.PutUint32(b[12:], h.rxID)
	off := hdrFixedSize
	if h.flags&flagTagged != 0 {
		binary.LittleEndian.PutUint64(b[off:], h.tag)
		off += 8
	}
	if h.flags&flagRemoteCQData != 0 {
		binary.LittleEndian.PutUint64(b[off:], h.cqData)
		off += 8
	}
	if h.flags&flagRemoteSrcAddr != 0 {
		binary.LittleEndian.PutUint64(b[off:], h.srcAddr)
		off += 8
	}
	switch h.ptype {
	case pktRTS:
		binary.LittleEndian.PutUint64(b[off:], h.totalLen)
		off += 8
		if h.flags&flagCreditRequest != 0 {
			binary.LittleEndian.PutUint16(b[off:], h.creditReq)
			off += 2
		}
		if h.flags&flagWrite != 0 {
			binary.LittleEndian.PutUint64(b[off:], h.rmaKey)
			binary.LittleEndian.PutUint64(b[off+8:], h.rmaOffset)
			off += 16
		}
	case pktReadReq:
		binary.LittleEndian.PutUint64(b[off:], h.totalLen)
		binary.LittleEndian.PutUint64(b[off+8:], h.rmaKey)
		binary.LittleEndian.PutUint64(b[off+16:], h.rmaOffset)
		binary.LittleEndian.PutUint32(b[off+24:], h.window)
		off += 28
	case pktCTS:
		binary.LittleEndian.PutUint32(b[off:], h.window)
		off += 4
	case pktData, pktReadRsp:
		binary.LittleEndian.PutUint64(b[off:], h.offset)
		off += 8
	}
	return off
}

func (h *header) unmarshal(b []byte) (int, error) {
	if len(b) < hdrFixedSize {
		return 0, ErrMalformedHeader
	}
	h.version = b[0]
	h.ptype = pktType(b[1])
	h.flags = binary.LittleEndian.Uint16(b[2:])
	h.msgID = binary.LittleEndian.Uint32(b[4:])
	h.txID = binary.LittleEndian.Uint32(b[8:])
	h.rxID = binary.LittleEndian.Uint32(b[12:])
	if h.version != ProtocolVersion {
		return 0, ErrUnexpectedVersion
	}
	if n := h.size(); len(b) < n {
		return 0, ErrMalformedHeader
	}
	off := hdrFixedSize
	if h.flags&flagTagged != 0 {
		h.tag = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	if h.flags&flagRemoteCQData != 0 {
		h.cqData = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	if h.flags&flagRemoteSrcAddr != 0 {
		h.srcAddr = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	switch h.ptype {
	case pktRTS:
		h.totalLen = binary.LittleEndian.Uint64(b[off:])
		off += 8
		if h.flags&flagCreditRequest != 0 {
			h.creditReq = binary.LittleEndian.Uint16(b[off:])
			off += 2
		}
		if h.flags&flagWrite != 0 {
			h.rmaKey = binary.LittleEndian.Uint64(b[off:])
			h.rmaOffset = binary.LittleEndian.Uint64(b[off+8:])
			off += 16
		}
	case pktReadReq:
		h.totalLen = binary.LittleEndian.Uint64(b[off:])
		h.rmaKey = binary.LittleEndian.Uint64(b[off+8:])
		h.rmaOffset = binary.LittleEndian.Uint64(b[off+16:])
		h.window = binary.LittleEndian.Uint32(b[off+24:])
		off += 28
	case pktCTS:
		h.window = binary.LittleEndian.Uint32(b[off:])
		off += 4
	case pktData, pktReadRsp:
		h.offset = binary.LittleEndian.Uint64(b[off:])
		off += 8
	case pktConnAck, pktEOR:
	default:
		return 0, ErrMalformedHeader
	}
	return off, nil
}
