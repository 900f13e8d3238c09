package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker guarding each provider's tool
// calls. Zero fields take the defaults from withDefaults.
type BreakerConfig struct {
	// MaxFailures consecutive failed calls open the circuit.
	MaxFailures uint32
	// Timeout is how long an open circuit rejects calls before one trial call.
	Timeout time.Duration
	// Interval resets the failure count of a closed circuit.
	Interval time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return c
}

type toolBreaker = gobreaker.CircuitBreaker[*mcp.CallToolResult]

func newBreaker(providerID string, cfg BreakerConfig, logger *slog.Logger) *toolBreaker {
	cfg = cfg.withDefaults()
	return gobreaker.NewCircuitBreaker[*mcp.CallToolResult](gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
		},
		// A caller giving up says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func breakerError(providerID string, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("provider %q circuit open: %w", providerID, err)
	default:
		return err
	}
}
