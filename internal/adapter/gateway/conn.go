package gateway

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"agentd/internal/domain"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// clientConn is one observer WebSocket. Outbound frames go through a
// bounded queue drained by writeLoop; a peer that lets the queue fill is
// disconnected instead of stalling the actor.
type clientConn struct {
	id           string
	meta         map[string]string
	ws           *websocket.Conn
	writeTimeout time.Duration
	metrics      *Metrics

	sendCh     chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
}

var (
	_ domain.Connection = (*clientConn)(nil)
	_ domain.Closer     = (*clientConn)(nil)
)

func newClientConn(ws *websocket.Conn, meta map[string]string, buffer int, writeTimeout time.Duration, metrics *Metrics) *clientConn {
	return &clientConn{
		id:           ulid.Make().String(),
		meta:         meta,
		ws:           ws,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		sendCh:       make(chan []byte, buffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

func (c *clientConn) ID() string { return c.id }

func (c *clientConn) Metadata() map[string]string { return maps.Clone(c.meta) }

// Send queues data without blocking.
func (c *clientConn) Send(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.metrics.SlowConsumers.Add(1)
		c.closeWith(websocket.StatusPolicyViolation, errSlowConsumer.Error())
		return errSlowConsumer
	}
}

// Close ends the connection after queued frames are flushed.
func (c *clientConn) Close(reason string) error {
	c.closeWith(websocket.StatusGoingAway, reason)
	return nil
}

// closeWith records the first close status and signals the writer.
func (c *clientConn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *clientConn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *clientConn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.metrics.MessagesSent.Add(1)
	return nil
}

// writeLoop owns every write to the socket, including the close frame.
func (c *clientConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.closeWith(websocket.StatusAbnormalClosure, "")
				c.ws.CloseNow()
				return
			}
		case <-c.done:
			code, reason := c.closeStatus()
			if code != websocket.StatusPolicyViolation && !c.flush() {
				c.ws.CloseNow()
				return
			}
			c.ws.Close(code, reason)
			return
		}
	}
}

// flush writes whatever is still queued and reports whether it succeeded.
func (c *clientConn) flush() bool {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
