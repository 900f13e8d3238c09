package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// Dispatcher answers RPC requests from one actor's observers. Responses are
// unicast to the calling connection and never broadcast.
type Dispatcher struct {
	registry   *Registry
	logger     *slog.Logger
	onComplete func(ctx context.Context, p domain.RPCCompletedPayload)
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// OnComplete registers fn to run after every accepted call.
func (d *Dispatcher) OnComplete(fn func(ctx context.Context, p domain.RPCCompletedPayload)) {
	d.onComplete = fn
}

func (d *Dispatcher) complete(ctx context.Context, p domain.RPCCompletedPayload, start time.Time, err error) {
	if d.onComplete == nil {
		return
	}
	p.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		p.Error = err.Error()
	}
	d.onComplete(ctx, p)
}

// Dispatch runs one call. Method failures are reported to the caller as
// error responses; the returned error is only set when the connection
// could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, conn domain.Connection, req domain.RPCRequest) error {
	ctx, span := tracer.StartSpan(ctx, "rpc.dispatch",
		trace.WithAttributes(
			tracer.StringAttr("rpc.method", req.Method),
			tracer.StringAttr("rpc.id", req.ID),
		),
	)
	defer span.End()

	e, err := d.registry.lookupCallable(req.Method)
	if err != nil {
		tracer.RecordError(span, err)
		d.logger.Warn("rpc rejected", "conn_id", conn.ID(), "method", req.Method, "code", domain.ErrorCodeOf(err))
		return d.reply(ctx, conn, req.ID, nil, err)
	}

	inv := domain.Invocation{Origin: domain.OriginConn(conn.ID()), Args: req.Args}
	done := domain.RPCCompletedPayload{Method: req.Method, ConnID: conn.ID()}
	start := time.Now()

	if e.stream != nil {
		stream := newStream(conn, req.ID)
		err := runStream(ctx, e.stream, stream, inv)
		span.SetAttributes(tracer.IntAttr("rpc.chunks", stream.Chunks()))
		done.Streaming, done.Chunks = true, stream.Chunks()
		d.complete(ctx, done, start, err)
		if err != nil {
			tracer.RecordError(span, err)
			d.logger.Warn("streaming rpc failed", "conn_id", conn.ID(), "method", req.Method, "error", err)
			if !stream.Closed() {
				return stream.Error(ctx, err)
			}
			return nil
		}
		tracer.SetOK(span)
		return nil
	}

	result, err := runUnary(ctx, e.unary, inv)
	d.complete(ctx, done, start, err)
	if err != nil {
		tracer.RecordError(span, err)
		d.logger.Warn("rpc failed", "conn_id", conn.ID(), "method", req.Method, "error", err)
		return d.reply(ctx, conn, req.ID, nil, err)
	}
	tracer.SetOK(span)
	return d.reply(ctx, conn, req.ID, result, nil)
}

func (d *Dispatcher) reply(ctx context.Context, conn domain.Connection, id string, result any, callErr error) error {
	resp := domain.RPCResponse{Type: domain.EnvelopeRPC, ID: id, Success: callErr == nil}
	if callErr == nil && result != nil {
		raw, err := encodeResult(result)
		if err != nil {
			resp.Success = false
			callErr = err
		} else {
			resp.Result = raw
		}
	}
	if callErr != nil {
		resp.Error = callErr.Error()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return domain.WrapOp("Dispatcher.reply", err)
	}
	return conn.Send(ctx, data)
}

func runUnary(ctx context.Context, fn Method, inv domain.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return fn(ctx, inv)
}

func runStream(ctx context.Context, fn StreamMethod, s *Stream, inv domain.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return fn(ctx, s, inv)
}
