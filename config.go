package rxr

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the endpoint tunables. All fields are read at endpoint-open
// time and never mutated afterwards; there is no process-wide tuning state.
type Config struct {
	// TxSize and RxSize bound the number of in-flight send and receive
	// operations and size the packet pools accordingly.
	TxSize int
	RxSize int

	// RxWindowSize is the per-peer receive credit pool the endpoint may
	// promise to remote senders.
	RxWindowSize uint16
	// TxMaxCredits caps in-flight sends per peer; TxMinCredits is the
	// smallest credit request attached to an RTS.
	TxMaxCredits uint16
	TxMinCredits uint16

	// ReorderWindow is the per-peer out-of-order buffer capacity. Must be a
	// power of two. Packets further than this ahead of the expected sequence
	// are dropped as over-congestion.
	ReorderWindow uint32
	// Unordered disables the reorder window, delivering messages in arrival
	// order. Leave false when the application requires send-order delivery.
	Unordered bool

	// RNR backoff: the base timeout is drawn once per peer from
	// [MinRNRBase, MaxRNRBase) and doubles on each consecutive RNR, with the
	// computed deadline capped at MaxRNRTimeout.
	MinRNRBase    time.Duration
	MaxRNRBase    time.Duration
	MaxRNRTimeout time.Duration

	// CQSize bounds the application-visible completion queue; CQReadSize
	// bounds the transport completions drained per progress pass.
	CQSize     int
	CQReadSize int

	// MaxMemcpySize is the payload size at or above which send buffers are
	// registered with the transport for zero-copy instead of relying on
	// pooled staging only.
	MaxMemcpySize int

	// MinMultiRecvSize is the smallest remainder of a multi-receive buffer
	// still considered usable; below it the posted buffer is withdrawn.
	MinMultiRecvSize int

	// PoisonBufs selects the instrumented pool variant which overwrites
	// released packet buffers with a poison pattern.
	PoisonBufs bool
}

// DefaultConfig returns the tunables the wire protocol was sized for.
func DefaultConfig() Config {
	return Config{
		TxSize:           256,
		RxSize:           256,
		RxWindowSize:     128,
		TxMaxCredits:     64,
		TxMinCredits:     32,
		ReorderWindow:    16384,
		MinRNRBase:       40 * time.Microsecond,
		MaxRNRBase:       120 * time.Microsecond,
		MaxRNRTimeout:    time.Second,
		CQSize:           8192,
		CQReadSize:       50,
		MaxMemcpySize:    4096,
		MinMultiRecvSize: 64,
	}
}

// withDefaults fills zero fields from DefaultConfig so a partially populated
// Config stays usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TxSize == 0 {
		c.TxSize = d.TxSize
	}
	if c.RxSize == 0 {
		c.RxSize = d.RxSize
	}
	if c.RxWindowSize == 0 {
		c.RxWindowSize = d.RxWindowSize
	}
	if c.TxMaxCredits == 0 {
		c.TxMaxCredits = d.TxMaxCredits
	}
	if c.TxMinCredits == 0 {
		c.TxMinCredits = d.TxMinCredits
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = d.ReorderWindow
	}
	if c.MinRNRBase == 0 {
		c.MinRNRBase = d.MinRNRBase
	}
	if c.MaxRNRBase == 0 {
		c.MaxRNRBase = d.MaxRNRBase
	}
	if c.MaxRNRTimeout == 0 {
		c.MaxRNRTimeout = d.MaxRNRTimeout
	}
	if c.CQSize == 0 {
		c.CQSize = d.CQSize
	}
	if c.CQReadSize == 0 {
		c.CQReadSize = d.CQReadSize
	}
	if c.MaxMemcpySize == 0 {
		c.MaxMemcpySize = d.MaxMemcpySize
	}
	if c.MinMultiRecvSize == 0 {
		c.MinMultiRecvSize = d.MinMultiRecvSize
	}
	return c
}

func (c Config) validate() error {
	if c.ReorderWindow&(c.ReorderWindow-1) != 0 {
		return fmt.Errorf("reorder window %d is not a power of two", c.ReorderWindow)
	}
	if c.TxMinCredits > c.TxMaxCredits {
		return fmt.Errorf("min credits %d exceeds max credits %d", c.TxMinCredits, c.TxMaxCredits)
	}
	if c.MinRNRBase > c.MaxRNRBase {
		return fmt.Errorf("RNR base bounds inverted: %v > %v", c.MinRNRBase, c.MaxRNRBase)
	}
	return nil
}

// configFile mirrors Config for TOML decoding; durations are strings like
// "40us" or "1s".
type configFile struct {
	TxSize           int    `toml:"tx_size"`
	RxSize           int    `toml:"rx_size"`
	RxWindowSize     uint16 `toml:"rx_window_size"`
	TxMaxCredits     uint16 `toml:"tx_max_credits"`
	TxMinCredits     uint16 `toml:"tx_min_credits"`
	ReorderWindow    uint32 `toml:"reorder_window"`
	Unordered        bool   `toml:"unordered"`
	MinRNRBase       string `toml:"min_rnr_base"`
	MaxRNRBase       string `toml:"max_rnr_base"`
	MaxRNRTimeout    string `toml:"max_rnr_timeout"`
	CQSize           int    `toml:"cq_size"`
	CQReadSize       int    `toml:"cq_read_size"`
	MaxMemcpySize    int    `toml:"max_memcpy_size"`
	MinMultiRecvSize int    `toml:"min_multi_recv_size"`
	PoisonBufs       bool   `toml:"poison_bufs"`
}

// LoadConfig reads tunables from a TOML file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	var cf configFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return Config{}, err
	}
	c := Config{
		TxSize:           cf.TxSize,
		RxSize:           cf.RxSize,
		RxWindowSize:     cf.RxWindowSize,
		TxMaxCredits:     cf.TxMaxCredits,
		TxMinCredits:     cf.TxMinCredits,
		ReorderWindow:    cf.ReorderWindow,
		Unordered:        cf.Unordered,
		CQSize:           cf.CQSize,
		CQReadSize:       cf.CQReadSize,
		MaxMemcpySize:    cf.MaxMemcpySize,
		MinMultiRecvSize: cf.MinMultiRecvSize,
		PoisonBufs:       cf.PoisonBufs,
	}
	var err error
	if c.MinRNRBase, err = parseDuration(cf.MinRNRBase); err != nil {
		return Config{}, fmt.Errorf("min_rnr_base: %v", err)
	}
	if c.MaxRNRBase, err = parseDuration(cf.MaxRNRBase); err != nil {
		return Config{}, fmt.Errorf("max_rnr_base: %v", err)
	}
	if c.MaxRNRTimeout, err = parseDuration(cf.MaxRNRTimeout); err != nil {
		return Config{}, fmt.Errorf("max_rnr_timeout: %v", err)
	}
	c = c.withDefaults()
	return c, c.validate()
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
