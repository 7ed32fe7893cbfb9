package rxr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerCreditClamp(t *testing.T) {
	p := newPeer(1)
	p.txCredits = 2
	p.onSendIssued()
	p.onSendIssued()
	assert.False(t, p.canSend())
	p.onSendDone(2)
	p.onSendDone(2)
	p.onSendDone(2)
	assert.Equal(t, uint16(2), p.txCredits, "credits never exceed the cap")
}

func TestPeerBackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	p := newPeer(1)
	p.txCredits = 10
	now := time.Now()

	p.onRNR(now, &cfg)
	require.True(t, p.inBackoff)
	base := p.baseRNR
	assert.GreaterOrEqual(t, base, cfg.MinRNRBase)
	assert.LessOrEqual(t, base, cfg.MaxRNRBase)
	first := p.backoffTimeout(cfg.MaxRNRTimeout)

	// a second RNR in the same pass must not raise the exponent again
	p.onRNR(now, &cfg)
	assert.Equal(t, first, p.backoffTimeout(cfg.MaxRNRTimeout))

	prev := first
	for i := 0; i < 40; i++ {
		p.backedOff = false
		p.onRNR(now, &cfg)
		d := p.backoffTimeout(cfg.MaxRNRTimeout)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, cfg.MaxRNRTimeout)
		prev = d
	}
	// growth stops once another doubling would exceed the cap
	p.backedOff = false
	p.onRNR(now, &cfg)
	assert.Equal(t, prev, p.backoffTimeout(cfg.MaxRNRTimeout))
	assert.Greater(t, prev, cfg.MaxRNRTimeout/4)
}

func TestPeerBackoffExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRNRBase = time.Millisecond
	cfg.MaxRNRBase = time.Millisecond
	p := newPeer(1)
	p.txCredits = 1
	now := time.Now()
	p.onRNR(now, &cfg)
	assert.False(t, p.timeoutExpired(now, cfg.MaxRNRTimeout))
	assert.True(t, p.timeoutExpired(now.Add(10*time.Millisecond), cfg.MaxRNRTimeout))
}

func TestPeerDeliveryResetsExponent(t *testing.T) {
	cfg := DefaultConfig()
	p := newPeer(1)
	p.txCredits = 10
	now := time.Now()
	for i := 0; i < 3; i++ {
		p.backedOff = false
		p.onRNR(now, &cfg)
	}
	require.NotZero(t, p.timeoutExp)
	p.inBackoff = false
	p.onSendIssued()
	p.onSendDone(cfg.TxMaxCredits)
	assert.Zero(t, p.timeoutExp)
}
