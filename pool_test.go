package rxr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketPoolExhaustion(t *testing.T) {
	p := newPacketPool(2, 128, false)
	a, err := p.acquire()
	require.NoError(t, err)
	_, err = p.acquire()
	require.NoError(t, err)
	_, err = p.acquire()
	assert.Equal(t, ErrExhausted, err)

	a.release()
	assert.Equal(t, 1, p.available())
	_, err = p.acquire()
	require.NoError(t, err)
}

func TestPacketPoolPoison(t *testing.T) {
	p := newPacketPool(1, 16, true)
	pkt, err := p.acquire()
	require.NoError(t, err)
	pkt.buf[0] = 0x55
	pkt.wire = pkt.buf[:8]
	pkt.release()
	assert.Equal(t, byte(poisonByte), pkt.buf[0])
}

func TestPacketClone(t *testing.T) {
	p := newPacketPool(1, 64, true)
	pkt, err := p.acquire()
	require.NoError(t, err)
	copy(pkt.buf, []byte("hello world"))
	pkt.wire = pkt.buf[:11]
	pkt.payload = pkt.wire[6:]
	pkt.peer = 9

	c := pkt.clone()
	pkt.release()
	assert.True(t, c.cloned)
	assert.Equal(t, "world", string(c.payload))
	assert.Equal(t, PeerAddr(9), c.peer)
	c.release()
}

func TestTxEntryPoolGenerations(t *testing.T) {
	p := newTxEntryPool(2)
	tx, err := p.alloc()
	require.NoError(t, err)
	tx.state = txRTS
	ref := tx.ref
	require.NotNil(t, p.get(ref))

	p.release(tx)
	assert.Nil(t, p.get(ref), "stale handle must not resolve")

	tx2, err := p.alloc()
	require.NoError(t, err)
	tx2.state = txRTS
	if tx2.ref.id == ref.id {
		assert.NotEqual(t, ref.gen, tx2.ref.gen)
	}
	assert.Nil(t, p.get(ref))
}

func TestRxEntryPoolExhaustion(t *testing.T) {
	p := newRxEntryPool(1)
	rx, err := p.alloc()
	require.NoError(t, err)
	rx.state = rxInit
	_, err = p.alloc()
	assert.Equal(t, ErrExhausted, err)
	p.release(rx)
	_, err = p.alloc()
	assert.NoError(t, err)
}

func TestCopyOut(t *testing.T) {
	iov := [][]byte{[]byte("abc"), []byte("defgh")}
	dst := make([]byte, 4)
	n := copyOut(dst, iov, 2)
	assert.Equal(t, 4, n)
	assert.Equal(t, "cdef", string(dst))

	n = copyOut(make([]byte, 10), iov, 7)
	assert.Equal(t, 1, n)
}
