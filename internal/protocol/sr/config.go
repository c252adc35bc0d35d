package sr

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/seq"
)

var ErrInvalidConfig = errors.New("sr: invalid config")

// Config holds the timing constants and sequence modulus. Values are fixed
// for the lifetime of a process.
type Config struct {
	// Modulus is the sequence ring size N.
	Modulus uint32
	// DefaultTimeout is how long a sender keeps retrying one envelope.
	DefaultTimeout time.Duration
	// ResendInterval is the retransmission timer period.
	ResendInterval time.Duration
	// MaxDropped is the number of consecutive expirations tolerated before
	// the connection is declared unhealthy.
	MaxDropped int
}

func DefaultConfig() Config {
	return Config{
		Modulus:        1024,
		DefaultTimeout: 2 * time.Second,
		ResendInterval: 50 * time.Millisecond,
		MaxDropped:     3,
	}
}

// WithDefaults fills zero values from DefaultConfig. MaxDropped is taken
// as given, zero meaning reconnect on the first expiration, unless the whole
// config is unset.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c == (Config{}) {
		return def
	}
	if c.Modulus == 0 {
		c.Modulus = def.Modulus
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = def.ResendInterval
	}
	return c
}

func (c Config) Validate() error {
	if _, err := seq.New(c.Modulus); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: default_timeout must be positive", ErrInvalidConfig)
	}
	if c.ResendInterval <= 0 {
		return fmt.Errorf("%w: resend_interval must be positive", ErrInvalidConfig)
	}
	if c.MaxDropped < 0 {
		return fmt.Errorf("%w: max_dropped must not be negative", ErrInvalidConfig)
	}
	return nil
}
