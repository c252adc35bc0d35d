package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/sr"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection runtime settings.
type Config struct {
	Protocol sr.Config
	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration
	// IdleTimeout closes a connection that has read nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// InboundBuffer is the number of decoded envelopes queued for the event
	// loop before the reader blocks.
	InboundBuffer int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Protocol:         sr.DefaultConfig(),
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      0,
		InboundBuffer:    256,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Protocol = c.Protocol.WithDefaults()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = def.InboundBuffer
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: backoff max_delay below initial_delay", ErrInvalidConfig)
	}
	return nil
}
