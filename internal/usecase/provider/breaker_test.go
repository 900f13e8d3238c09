package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestBreakerConfigDefaults(t *testing.T) {
	c := BreakerConfig{Timeout: time.Second}.withDefaults()
	assert.Equal(t, uint32(5), c.MaxFailures)
	assert.Equal(t, time.Second, c.Timeout)
	assert.Equal(t, time.Minute, c.Interval)
}

func TestBreakerTripsOnProviderFailures(t *testing.T) {
	b := newBreaker("p1", BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fail := func() (*mcp.CallToolResult, error) { return nil, errors.New("boom") }
	canceled := func() (*mcp.CallToolResult, error) { return nil, context.Canceled }

	for range 3 {
		_, _ = b.Execute(canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(), "caller cancellation does not count")

	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Execute(fail)
	err = breakerError("p1", err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), `provider "p1" circuit open`)

	plain := errors.New("other")
	assert.Same(t, plain, breakerError("p1", plain))
}
