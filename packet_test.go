package rxr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRTSRoundTrip(t *testing.T) {
	in := header{
		version:   ProtocolVersion,
		ptype:     pktRTS,
		flags:     flagTagged | flagRemoteCQData | flagCreditRequest,
		msgID:     42,
		txID:      7,
		tag:       0xdeadbeef,
		cqData:    99,
		totalLen:  1 << 20,
		creditReq: 32,
	}
	buf := make([]byte, 128)
	n := in.marshal(buf)
	assert.Equal(t, in.size(), n)

	var out header
	m, err := out.unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, n, m)
	assert.Equal(t, in, out)
}

func TestHeaderWriteCarriesRMAFields(t *testing.T) {
	in := header{
		version:   ProtocolVersion,
		ptype:     pktRTS,
		flags:     flagWrite | flagCreditRequest,
		msgID:     1,
		txID:      2,
		totalLen:  4096,
		creditReq: 32,
		rmaKey:    5,
		rmaOffset: 512,
	}
	buf := make([]byte, 128)
	n := in.marshal(buf)
	var out header
	_, err := out.unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(5), out.rmaKey)
	assert.Equal(t, uint64(512), out.rmaOffset)
}

func TestHeaderCTSAndData(t *testing.T) {
	cts := header{version: ProtocolVersion, ptype: pktCTS, txID: 3, rxID: 9, window: 16}
	buf := make([]byte, 64)
	n := cts.marshal(buf)
	assert.Equal(t, hdrFixedSize+4, n)
	var out header
	_, err := out.unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(16), out.window)

	data := header{version: ProtocolVersion, ptype: pktData, txID: 3, rxID: 9, offset: 7000}
	n = data.marshal(buf)
	assert.Equal(t, dataHdrSize, n)
	_, err = out.unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(7000), out.offset)
}

func TestHeaderReadReqRoundTrip(t *testing.T) {
	in := header{
		version:   ProtocolVersion,
		ptype:     pktReadReq,
		flags:     flagReadReq,
		msgID:     5,
		txID:      1,
		rxID:      2,
		totalLen:  5000,
		rmaKey:    3,
		rmaOffset: 100,
		window:    5,
	}
	buf := make([]byte, 128)
	n := in.marshal(buf)
	var out header
	_, err := out.unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHeaderRejectsWrongVersion(t *testing.T) {
	h := header{version: ProtocolVersion, ptype: pktCTS}
	buf := make([]byte, 64)
	n := h.marshal(buf)
	buf[0] = ProtocolVersion + 1
	var out header
	_, err := out.unmarshal(buf[:n])
	assert.Equal(t, ErrUnexpectedVersion, err)
}

func TestHeaderRejectsShortBuffer(t *testing.T) {
	var out header
	_, err := out.unmarshal(make([]byte, hdrFixedSize-1))
	assert.Equal(t, ErrMalformedHeader, err)

	h := header{version: ProtocolVersion, ptype: pktRTS, flags: flagTagged}
	buf := make([]byte, 64)
	n := h.marshal(buf)
	_, err = out.unmarshal(buf[:n-1])
	assert.Equal(t, ErrMalformedHeader, err)
}

func TestHeaderRejectsUnknownType(t *testing.T) {
	h := header{version: ProtocolVersion, ptype: pktType(200)}
	buf := make([]byte, 64)
	buf[0] = ProtocolVersion
	buf[1] = byte(h.ptype)
	var out header
	_, err := out.unmarshal(buf[:hdrFixedSize])
	assert.Equal(t, ErrMalformedHeader, err)
}
