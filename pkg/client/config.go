package client

import (
	"fmt"
	"time"
)

// Config holds the connection manager's timing and buffering knobs.
type Config struct {
	// MaxReconnectAttempts bounds consecutive reconnect attempts after an
	// unexpected close. Zero disables reconnection.
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	KeepaliveInterval    time.Duration
	// PongTimeout is how long a ping may stay unanswered before the
	// transport is considered dead. It is checked on keepalive ticks.
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	// OutboxSize bounds the frames buffered while reconnecting.
	OutboxSize int
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		KeepaliveInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		OutboxSize:           100,
	}
}

func (c Config) Validate() error {
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay must be at least the base delay")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive interval must be positive")
	}
	if c.PongTimeout <= 0 {
		return fmt.Errorf("pong timeout must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("outbox size must be positive")
	}
	return nil
}

// Backoff returns the delay before reconnect attempt n (1-based):
// BaseDelay doubled n-1 times, capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		delay *= 2
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}
