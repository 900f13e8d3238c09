package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"agentd/internal/domain"
)

// Stream is the handle a streaming method uses to answer one call. It is
// bound to the calling connection and call id and is safe for concurrent use.
type Stream struct {
	mu     sync.Mutex
	conn   domain.Connection
	id     string
	closed bool
	sent   int
}

func newStream(conn domain.Connection, id string) *Stream {
	return &Stream{conn: conn, id: id}
}

// ID returns the call id the stream answers.
func (s *Stream) ID() string { return s.id }

// Send emits one chunk: {id, success:true, result, done:false}.
func (s *Stream) Send(ctx context.Context, chunk any) error {
	return s.emit(ctx, true, chunk, nil, false)
}

// End emits the single terminal frame {id, success:true, result, done:true}.
func (s *Stream) End(ctx context.Context, final any) error {
	return s.emit(ctx, true, final, nil, true)
}

// Error ends the stream with {id, success:false, error, done:true}.
func (s *Stream) Error(ctx context.Context, err error) error {
	return s.emit(ctx, false, nil, err, true)
}

// Closed reports whether a terminal frame has been emitted.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Chunks returns how many non-terminal frames were emitted.
func (s *Stream) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Stream) emit(ctx context.Context, success bool, result any, callErr error, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewDomainError("Stream.Send", domain.ErrStreamClosed, s.id)
	}
	if done {
		s.closed = true
	} else {
		s.sent++
	}
	if s.conn == nil {
		return nil
	}

	resp := domain.RPCResponse{Type: domain.EnvelopeRPC, ID: s.id, Success: success, Done: &done}
	if callErr != nil {
		resp.Error = callErr.Error()
	}
	if result != nil {
		raw, err := encodeResult(result)
		if err != nil {
			return err
		}
		resp.Result = raw
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return domain.WrapOp("Stream.Send", err)
	}
	return s.conn.Send(ctx, data)
}

func encodeResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, domain.NewDomainError("rpc.encodeResult", domain.ErrRPCInvalidPayload, err.Error())
	}
	return raw, nil
}
