package rxr

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeNet is an in-memory fabric connecting pipeTransports by address.
// Delivery is immediate unless hold is set, in which case packets accumulate
// until flush delivers them in a chosen order.
type pipeNet struct {
	nodes map[PeerAddr]*pipeTransport
	hold  bool
	held  []heldPkt
}

type heldPkt struct {
	src  PeerAddr
	dst  PeerAddr
	data []byte
	ctx  interface{}
}

func newPipeNet() *pipeNet {
	return &pipeNet{nodes: make(map[PeerAddr]*pipeTransport)}
}

func (n *pipeNet) node(addr PeerAddr, mtu int) *pipeTransport {
	t := &pipeTransport{net: n, addr: addr, mtu: mtu, regions: make(map[MemoryHandle][]byte)}
	n.nodes[addr] = t
	return t
}

// flush delivers held packets, newest first when lifo is set.
func (n *pipeNet) flush(lifo bool) {
	held := n.held
	n.held = nil
	n.hold = false
	if lifo {
		for i := len(held) - 1; i >= 0; i-- {
			n.deliver(held[i])
		}
		return
	}
	for _, h := range held {
		n.deliver(h)
	}
}

func (n *pipeNet) deliver(h heldPkt) {
	src := n.nodes[h.src]
	dst := n.nodes[h.dst]
	if dst == nil {
		src.events = append(src.events, TransportEvent{
			Kind: EventSent, Ctx: h.ctx, Status: StatusUnreachable, Errno: 113,
		})
		return
	}
	if dst.forceRNR > 0 || len(dst.recvQ) == 0 {
		if dst.forceRNR > 0 {
			dst.forceRNR--
		}
		src.events = append(src.events, TransportEvent{
			Kind: EventSent, Ctx: h.ctx, Status: StatusRNR, Errno: 11,
		})
		return
	}
	r := dst.recvQ[0]
	dst.recvQ = dst.recvQ[1:]
	c := copy(r.buf, h.data)
	dst.events = append(dst.events, TransportEvent{
		Kind: EventReceived, Ctx: r.ctx, Peer: h.src, Len: c, Status: StatusOK,
	})
	src.events = append(src.events, TransportEvent{Kind: EventSent, Ctx: h.ctx, Status: StatusOK})
}

type postedRecv struct {
	buf []byte
	ctx interface{}
}

type pipeTransport struct {
	net    *pipeNet
	addr   PeerAddr
	mtu    int
	recvQ  []postedRecv
	events []TransportEvent

	// fault injection
	forceRNR  int // bounce the next n inbound packets
	fullSends int // fail the next n PostSend calls with ErrQueueFull

	nextMR  MemoryHandle
	regions map[MemoryHandle][]byte
	mrSends int // registered-region gather sends issued
	closed  bool
}

func (t *pipeTransport) PostSend(dst PeerAddr, buf []byte, ctx interface{}) error {
	if t.closed {
		return ErrClosed
	}
	if t.fullSends > 0 {
		t.fullSends--
		return ErrQueueFull
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	h := heldPkt{src: t.addr, dst: dst, data: data, ctx: ctx}
	if t.net.hold {
		t.net.held = append(t.net.held, h)
		return nil
	}
	t.net.deliver(h)
	return nil
}

func (t *pipeTransport) PostSendMR(dst PeerAddr, hdr []byte, mr MemoryHandle, off, n int, ctx interface{}) error {
	if t.closed {
		return ErrClosed
	}
	if t.fullSends > 0 {
		t.fullSends--
		return ErrQueueFull
	}
	region, ok := t.regions[mr]
	if !ok {
		return ErrUnknownRegion
	}
	t.mrSends++
	data := make([]byte, 0, len(hdr)+n)
	data = append(data, hdr...)
	data = append(data, region[off:off+n]...)
	h := heldPkt{src: t.addr, dst: dst, data: data, ctx: ctx}
	if t.net.hold {
		t.net.held = append(t.net.held, h)
		return nil
	}
	t.net.deliver(h)
	return nil
}

func (t *pipeTransport) PostRecv(buf []byte, ctx interface{}) error {
	if t.closed {
		return ErrClosed
	}
	t.recvQ = append(t.recvQ, postedRecv{buf: buf, ctx: ctx})
	return nil
}

func (t *pipeTransport) Poll(events []TransportEvent) int {
	n := copy(events, t.events)
	t.events = t.events[n:]
	return n
}

func (t *pipeTransport) RegisterMemory(buf []byte) (MemoryHandle, error) {
	t.nextMR++
	t.regions[t.nextMR] = buf
	return t.nextMR, nil
}

func (t *pipeTransport) DeregisterMemory(h MemoryHandle) error {
	delete(t.regions, h)
	return nil
}

func (t *pipeTransport) MTU() int { return t.mtu }

func (t *pipeTransport) Close() error {
	t.closed = true
	return nil
}

const testMTU = 1024

func testConfig() Config {
	c := DefaultConfig()
	c.TxSize = 64
	c.RxSize = 64
	c.MinRNRBase = time.Microsecond
	c.MaxRNRBase = 2 * time.Microsecond
	return c
}

func newPair(t *testing.T, cfg Config) (*Endpoint, *Endpoint, *pipeNet) {
	net := newPipeNet()
	a, err := NewEndpoint(cfg, 1, net.node(1, testMTU))
	require.NoError(t, err)
	b, err := NewEndpoint(cfg, 2, net.node(2, testMTU))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, net
}

func pump(eps ...*Endpoint) {
	for i := 0; i < 64; i++ {
		for _, ep := range eps {
			ep.Progress()
		}
	}
}

func drain(ep *Endpoint) []Completion {
	var out []Completion
	for {
		c, ok := ep.NextCompletion()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestSendRecv(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	msg := pattern(100, 7)
	buf := make([]byte, 256)
	_, err := b.Recv(AddrUnspec, buf, "rctx")
	require.NoError(t, err)
	require.NoError(t, a.Send(2, msg, "sctx"))
	pump(a, b)

	sc := drain(a)
	require.Len(t, sc, 1)
	assert.NoError(t, sc[0].Err)
	assert.Equal(t, "sctx", sc[0].Ctx)
	assert.Equal(t, OpSend, sc[0].Op)
	assert.Equal(t, uint64(100), sc[0].Len)

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.NoError(t, rc[0].Err)
	assert.Equal(t, "rctx", rc[0].Ctx)
	assert.Equal(t, PeerAddr(1), rc[0].Peer)
	assert.Equal(t, uint64(100), rc[0].Len)
	assert.True(t, bytes.Equal(msg, buf[:100]))
}

func TestTaggedRendezvousOrdering(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	sizes := []int{64, 9000, 64}
	bufs := make([][]byte, len(sizes))
	for i, n := range sizes {
		bufs[i] = make([]byte, n)
		_, err := b.RecvTagged(1, uint64(i), 0, bufs[i], i)
		require.NoError(t, err)
	}
	for i, n := range sizes {
		require.NoError(t, a.SendTagged(2, uint64(i), pattern(n, byte(i)), i))
	}
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 3)
	for i, c := range rc {
		assert.NoError(t, c.Err)
		assert.Equal(t, i, c.Ctx)
		assert.Equal(t, uint64(i), c.Tag)
		assert.Equal(t, uint64(sizes[i]), c.Len)
		assert.True(t, bytes.Equal(pattern(sizes[i], byte(i)), bufs[i][:sizes[i]]))
	}
	assert.Len(t, drain(a), 3)
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b, net := newPair(t, testConfig())
	for i := 0; i < 3; i++ {
		_, err := b.Recv(1, make([]byte, 64), nil)
		require.NoError(t, err)
	}
	net.hold = true
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(2, pattern(32, byte(i)), i))
	}
	net.flush(true) // newest first
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 3)
	for i, c := range rc {
		assert.Equal(t, PeerAddr(1), c.Peer)
		assert.Equal(t, uint64(32), c.Len, "completion %d", i)
	}
	assert.True(t, b.Stats().RecvCompletions == 3)
}

func TestRNRBackoffRetry(t *testing.T) {
	a, b, net := newPair(t, testConfig())
	_, err := b.Recv(AddrUnspec, make([]byte, 64), nil)
	require.NoError(t, err)
	net.nodes[2].forceRNR = 1
	require.NoError(t, a.Send(2, pattern(32, 1), nil))
	for i := 0; i < 64; i++ {
		a.Progress()
		b.Progress()
		time.Sleep(10 * time.Microsecond)
	}

	assert.GreaterOrEqual(t, a.Stats().RNRs, uint64(1))
	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 1)
	pi, ok := a.PeerInfo(2)
	require.True(t, ok)
	assert.False(t, pi.InBackoff)
}

func TestUnexpectedMessage(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	msg := pattern(48, 3)
	require.NoError(t, a.Send(2, msg, nil))
	pump(a, b)
	assert.Equal(t, uint64(1), b.Stats().UnexpectedMsgs)
	assert.Empty(t, drain(b))

	buf := make([]byte, 64)
	_, err := b.Recv(AddrUnspec, buf, "late")
	require.NoError(t, err)
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, "late", rc[0].Ctx)
	assert.True(t, bytes.Equal(msg, buf[:48]))
}

func TestUnexpectedTaggedMatchesByTag(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	require.NoError(t, a.SendTagged(2, 10, pattern(16, 1), nil))
	require.NoError(t, a.SendTagged(2, 20, pattern(16, 2), nil))
	pump(a, b)

	buf := make([]byte, 32)
	_, err := b.RecvTagged(AddrUnspec, 20, 0, buf, nil)
	require.NoError(t, err)
	pump(a, b)
	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, uint64(20), rc[0].Tag)
	assert.True(t, bytes.Equal(pattern(16, 2), buf[:16]))
}

func TestMultiRecv(t *testing.T) {
	cfg := testConfig()
	cfg.MinMultiRecvSize = 64
	a, b, _ := newPair(t, cfg)
	buf := make([]byte, 256)
	_, err := b.RecvMulti(buf, "multi")
	require.NoError(t, err)

	require.NoError(t, a.Send(2, pattern(100, 1), nil))
	require.NoError(t, a.Send(2, pattern(100, 2), nil))
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 2)
	assert.Equal(t, "multi", rc[0].Ctx)
	assert.False(t, rc[0].MultiRecvClosed)
	assert.True(t, rc[1].MultiRecvClosed, "remainder below minimum should retire the buffer")
	assert.True(t, bytes.Equal(pattern(100, 1), buf[:100]))
	assert.True(t, bytes.Equal(pattern(100, 2), buf[100:200]))
}

func TestCancelRecv(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	_ = a
	h, err := b.Recv(AddrUnspec, make([]byte, 64), "gone")
	require.NoError(t, err)
	require.NoError(t, b.CancelRecv(h))

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.True(t, rc[0].Canceled)
	assert.Equal(t, "gone", rc[0].Ctx)
	assert.Equal(t, ErrUnknownHandle, b.CancelRecv(h))
}

func TestTruncatedRecv(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	_, err := b.Recv(AddrUnspec, make([]byte, 100), nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(2, pattern(200, 5), nil))
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, ErrTruncated, rc[0].Err)
	assert.Equal(t, uint64(100), rc[0].Len)
}

func TestRMAWrite(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	target := make([]byte, 4096)
	mr, err := b.RegisterMemory(target)
	require.NoError(t, err)

	msg := pattern(3000, 9)
	require.NoError(t, a.WriteTo(2, msg, mr.Key, 512, 42, "wctx"))
	pump(a, b)

	sc := drain(a)
	require.Len(t, sc, 1)
	assert.NoError(t, sc[0].Err)
	assert.Equal(t, OpWrite, sc[0].Op)
	assert.Equal(t, "wctx", sc[0].Ctx)
	assert.True(t, bytes.Equal(msg, target[512:512+3000]))

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, uint64(42), rc[0].Data)
}

func TestRMAWriteSilentWithoutData(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	target := make([]byte, 1024)
	mr, err := b.RegisterMemory(target)
	require.NoError(t, err)
	require.NoError(t, a.WriteTo(2, pattern(100, 1), mr.Key, 0, 0, nil))
	pump(a, b)
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestRMARead(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	src := pattern(5000, 4)
	region := make([]byte, 8192)
	copy(region[100:], src)
	mr, err := b.RegisterMemory(region)
	require.NoError(t, err)

	dst := make([]byte, 5000)
	require.NoError(t, a.ReadFrom(2, dst, mr.Key, 100, "rdctx"))
	pump(a, b)

	rc := drain(a)
	require.Len(t, rc, 1)
	assert.NoError(t, rc[0].Err)
	assert.Equal(t, OpRead, rc[0].Op)
	assert.Equal(t, "rdctx", rc[0].Ctx)
	assert.Equal(t, uint64(5000), rc[0].Len)
	assert.True(t, bytes.Equal(src, dst))
	assert.Empty(t, drain(b))
}

func TestRMAUnknownRegion(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	require.NoError(t, a.WriteTo(2, pattern(32, 1), 999, 0, 0, nil))
	pump(a, b)
	assert.Equal(t, uint64(1), b.Stats().ProtocolErrors)
}

func TestQueueFullRetry(t *testing.T) {
	a, b, net := newPair(t, testConfig())
	_, err := b.Recv(AddrUnspec, make([]byte, 64), nil)
	require.NoError(t, err)
	net.nodes[1].fullSends = 1
	require.NoError(t, a.Send(2, pattern(32, 1), nil))
	pump(a, b)
	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 1)
}

func TestVersionReject(t *testing.T) {
	cfg := testConfig()
	net := newPipeNet()
	a, err := NewEndpoint(cfg, 1, net.node(1, testMTU))
	require.NoError(t, err)
	defer a.Close()
	rogue := net.node(99, testMTU)

	raw := make([]byte, hdrFixedSize)
	raw[0] = ProtocolVersion + 1
	raw[1] = byte(pktRTS)
	require.NoError(t, rogue.PostSend(1, raw, nil))
	a.Progress()
	assert.Equal(t, uint64(1), a.Stats().ProtocolErrors)
	assert.Empty(t, drain(a))
}

func TestPeerAck(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	_, err := b.Recv(AddrUnspec, make([]byte, 64), nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(2, pattern(16, 1), nil))
	pump(a, b)

	pi, ok := a.PeerInfo(2)
	require.True(t, ok)
	assert.True(t, pi.Acked)
	assert.Equal(t, uint32(1), pi.NextMsgID)
	_, ok = a.PeerInfo(77)
	assert.False(t, ok)
}

func TestClosedEndpoint(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	_ = b
	require.NoError(t, a.Close())
	assert.Equal(t, ErrClosed, a.Send(2, pattern(8, 1), nil))
	_, err := a.Recv(AddrUnspec, make([]byte, 8), nil)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, a.Close())
}

func TestIOVLimit(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	_ = b
	bufs := make([][]byte, iovLimit+1)
	for i := range bufs {
		bufs[i] = pattern(8, byte(i))
	}
	assert.Equal(t, ErrIOVLimit, a.Sendv(2, bufs, nil))
}

func TestLocalTransport(t *testing.T) {
	fabric := newPipeNet()
	local := newPipeNet()
	a, err := NewEndpoint(testConfig(), 1, fabric.node(1, testMTU))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEndpoint(testConfig(), 2, fabric.node(2, testMTU))
	require.NoError(t, err)
	defer b.Close()
	a.SetLocalTransport(local.node(1, testMTU), 2)
	b.SetLocalTransport(local.node(2, testMTU), 1)

	buf := make([]byte, 64)
	_, err = b.Recv(AddrUnspec, buf, nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(2, pattern(32, 6), nil))
	pump(a, b)

	require.Len(t, drain(b), 1)
	assert.Empty(t, fabric.nodes[2].events, "nothing should cross the fabric")
	pi, ok := a.PeerInfo(2)
	require.True(t, ok)
	assert.True(t, pi.Local)
}

func TestCompletionDeferral(t *testing.T) {
	cfg := testConfig()
	cfg.CQSize = 2
	a, b, _ := newPair(t, cfg)
	for i := 0; i < 4; i++ {
		_, err := b.Recv(AddrUnspec, make([]byte, 32), i)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Send(2, pattern(16, byte(i)), i))
	}
	pump(a, b)
	assert.NotZero(t, b.Stats().DeferredCompletions)
	assert.Len(t, drain(b), 4)
}

func TestShortCompletionHeldBehindRendezvous(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	big := make([]byte, 8192)
	small := make([]byte, 64)
	_, err := b.Recv(1, big, "big")
	require.NoError(t, err)
	_, err = b.Recv(1, small, "small")
	require.NoError(t, err)
	require.NoError(t, a.Send(2, pattern(8000, 1), nil))
	require.NoError(t, a.Send(2, pattern(32, 2), nil))
	pump(a, b)

	// the short message lands whole in its request packet while the first
	// one is still mid-rendezvous; its completion must still come second
	rc := drain(b)
	require.Len(t, rc, 2)
	assert.Equal(t, "big", rc[0].Ctx)
	assert.Equal(t, uint64(8000), rc[0].Len)
	assert.Equal(t, "small", rc[1].Ctx)
	assert.Equal(t, uint64(32), rc[1].Len)
	assert.True(t, bytes.Equal(pattern(8000, 1), big[:8000]))
	assert.True(t, bytes.Equal(pattern(32, 2), small[:32]))
}

func TestZeroCopySend(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemcpySize = 256
	a, b, net := newPair(t, cfg)
	buf := make([]byte, 4096)
	_, err := b.Recv(AddrUnspec, buf, nil)
	require.NoError(t, err)
	msg := pattern(3000, 8)
	require.NoError(t, a.Send(2, msg, "zc"))
	pump(a, b)

	sc := drain(a)
	require.Len(t, sc, 1)
	assert.Equal(t, "zc", sc[0].Ctx)
	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, uint64(3000), rc[0].Len)
	assert.True(t, bytes.Equal(msg, buf[:3000]))
	assert.NotZero(t, net.nodes[1].mrSends, "data packets should gather from the registered region")
}

func TestUnexpectedRetainedUnderExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.RxSize = 2
	a, b, _ := newPair(t, cfg)
	h1, err := b.RecvTagged(AddrUnspec, 100, 0, make([]byte, 32), "t1")
	require.NoError(t, err)
	h2, err := b.RecvTagged(AddrUnspec, 101, 0, make([]byte, 32), "t2")
	require.NoError(t, err)

	msg := pattern(24, 5)
	require.NoError(t, a.Send(2, msg, nil))
	pump(a, b)

	// both entries are busy, but the message must survive until one frees
	assert.Zero(t, b.Stats().ProtocolErrors)
	assert.Zero(t, b.Stats().UnexpectedMsgs)
	assert.Empty(t, drain(b))

	require.NoError(t, b.CancelRecv(h1))
	b.Progress()
	assert.Equal(t, uint64(1), b.Stats().UnexpectedMsgs)

	require.NoError(t, b.CancelRecv(h2))
	buf := make([]byte, 64)
	_, err = b.Recv(AddrUnspec, buf, "late")
	require.NoError(t, err)

	rc := drain(b)
	require.Len(t, rc, 3)
	assert.True(t, rc[0].Canceled)
	assert.True(t, rc[1].Canceled)
	assert.Equal(t, "late", rc[2].Ctx)
	assert.Equal(t, uint64(24), rc[2].Len)
	assert.True(t, bytes.Equal(msg, buf[:24]))
}

func TestSendv(t *testing.T) {
	a, b, _ := newPair(t, testConfig())
	buf := make([]byte, 64)
	_, err := b.Recv(AddrUnspec, buf, nil)
	require.NoError(t, err)
	require.NoError(t, a.Sendv(2, [][]byte{pattern(10, 1), pattern(20, 2)}, nil))
	pump(a, b)

	rc := drain(b)
	require.Len(t, rc, 1)
	assert.Equal(t, uint64(30), rc[0].Len)
	assert.True(t, bytes.Equal(pattern(10, 1), buf[:10]))
	assert.True(t, bytes.Equal(pattern(20, 2), buf[10:30]))
}
