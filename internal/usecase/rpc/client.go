package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"

	"agentd/internal/domain"
)

// RemoteError is an error response returned by the actor.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string { return e.Method + ": " + e.Message }

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall correlates one outstanding call id with its callbacks.
type pendingCall struct {
	method  string
	onChunk func(json.RawMessage)
	done    chan callResult
}

// Client is the observer side of the RPC protocol: it issues calls over a
// send function and resolves them from the responses fed to HandleMessage.
type Client struct {
	send func(ctx context.Context, data []byte) error

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  error
}

// NewClient creates a client writing frames with send.
func NewClient(send func(ctx context.Context, data []byte) error) *Client {
	return &Client{send: send, pending: make(map[string]*pendingCall)}
}

// Call invokes a unary method and waits for its terminal response.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return c.do(ctx, method, nil, args)
}

// Stream invokes a streaming method, passing every chunk to onChunk, and
// returns the final value carried by the done frame.
func (c *Client) Stream(ctx context.Context, method string, onChunk func(json.RawMessage), args ...any) (json.RawMessage, error) {
	if onChunk == nil {
		onChunk = func(json.RawMessage) {}
	}
	return c.do(ctx, method, onChunk, args)
}

// Pending returns the number of calls awaiting a terminal response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleMessage consumes an RPC response frame and reports whether it
// belonged to a pending call. Other frames are left to the caller.
func (c *Client) HandleMessage(data []byte) bool {
	var resp domain.RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Type != domain.EnvelopeRPC || resp.ID == "" {
		return false
	}

	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	terminal := resp.Done == nil || *resp.Done || !resp.Success
	if ok && terminal {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	switch {
	case !resp.Success:
		call.done <- callResult{err: &RemoteError{Method: call.method, Message: resp.Error}}
	case !terminal:
		if call.onChunk != nil {
			call.onChunk(resp.Result)
		}
	default:
		call.done <- callResult{result: resp.Result}
	}
	return true
}

// Close fails every pending call with err and rejects new ones.
func (c *Client) Close(err error) {
	if err == nil {
		err = domain.ErrStreamClosed
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.closed = err
	c.mu.Unlock()
	for _, call := range pending {
		call.done <- callResult{err: err}
	}
}

func (c *Client) do(ctx context.Context, method string, onChunk func(json.RawMessage), args []any) (json.RawMessage, error) {
	req := domain.RPCRequest{Type: domain.EnvelopeRPC, ID: ulid.Make().String(), Method: method, Args: make([]json.RawMessage, 0, len(args))}
	for _, a := range args {
		raw, err := encodeResult(a)
		if err != nil {
			return nil, err
		}
		req.Args = append(req.Args, raw)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, domain.WrapOp("Client.Call", err)
	}

	call := &pendingCall{method: method, onChunk: onChunk, done: make(chan callResult, 1)}
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = call
	c.mu.Unlock()

	if err := c.send(ctx, data); err != nil {
		c.forget(req.ID)
		return nil, domain.WrapOp("Client.Call", err)
	}

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
