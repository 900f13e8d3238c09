package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []domain.RPCResponse
}

func (c *recordingConn) ID() string                  { return c.id }
func (c *recordingConn) Metadata() map[string]string { return nil }
func (c *recordingConn) Send(_ context.Context, data []byte) error {
	var resp domain.RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, resp)
	c.mu.Unlock()
	return nil
}

func newRegistry() *Registry {
	r := NewRegistry()
	r.Callable("add", func(_ context.Context, inv domain.Invocation) (any, error) {
		var a, b int
		if err := inv.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := inv.Arg(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}, Meta{Description: "adds two numbers"})
	r.Define("secret", func(context.Context, domain.Invocation) (any, error) {
		return "leaked", nil
	})
	r.Callable("fail", func(context.Context, domain.Invocation) (any, error) {
		return nil, errors.New("nope")
	}, Meta{})
	r.Callable("whoami", func(_ context.Context, inv domain.Invocation) (any, error) {
		return inv.Origin.ConnID, nil
	}, Meta{})
	r.Streaming("count", func(ctx context.Context, s *Stream, inv domain.Invocation) error {
		var n int
		if err := inv.Arg(0, &n); err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			if err := s.Send(ctx, i); err != nil {
				return err
			}
		}
		return s.End(ctx, "done")
	}, Meta{Description: "counts to n"})
	r.Streaming("halfway", func(ctx context.Context, s *Stream, _ domain.Invocation) error {
		if err := s.Send(ctx, 1); err != nil {
			return err
		}
		return errors.New("exploded")
	}, Meta{})
	return r
}

func dispatch(t *testing.T, d *Dispatcher, conn domain.Connection, id, method string, args ...string) {
	t.Helper()
	req := domain.RPCRequest{Type: domain.EnvelopeRPC, ID: id, Method: method}
	for _, a := range args {
		req.Args = append(req.Args, json.RawMessage(a))
	}
	require.NoError(t, d.Dispatch(context.Background(), conn, req))
}

func TestDispatch_Authorization(t *testing.T) {
	d := NewDispatcher(newRegistry(), newTestLogger())
	conn := &recordingConn{id: "c1"}

	dispatch(t, d, conn, "1", "add", "2", "3")
	dispatch(t, d, conn, "2", "secret")
	dispatch(t, d, conn, "3", "nothing")

	require.Len(t, conn.frames, 3)

	assert.True(t, conn.frames[0].Success)
	assert.JSONEq(t, `5`, string(conn.frames[0].Result))
	assert.Nil(t, conn.frames[0].Done)

	assert.False(t, conn.frames[1].Success)
	assert.Equal(t, `method "secret" is not callable`, conn.frames[1].Error)
	assert.Empty(t, conn.frames[1].Result)

	assert.False(t, conn.frames[2].Success)
	assert.Equal(t, `method "nothing" does not exist`, conn.frames[2].Error)
}

func TestDispatch_MethodErrorAndOrigin(t *testing.T) {
	d := NewDispatcher(newRegistry(), newTestLogger())
	conn := &recordingConn{id: "conn-7"}

	dispatch(t, d, conn, "a", "fail")
	dispatch(t, d, conn, "b", "whoami")
	dispatch(t, d, conn, "c", "add", `"two"`)

	require.Len(t, conn.frames, 3)
	assert.Equal(t, "a", conn.frames[0].ID)
	assert.False(t, conn.frames[0].Success)
	assert.Equal(t, "nope", conn.frames[0].Error)

	assert.JSONEq(t, `"conn-7"`, string(conn.frames[1].Result))

	assert.False(t, conn.frames[2].Success)
	assert.Contains(t, conn.frames[2].Error, "rpc payload invalid")
}

func TestDispatch_StreamingFraming(t *testing.T) {
	d := NewDispatcher(newRegistry(), newTestLogger())
	conn := &recordingConn{id: "c1"}

	dispatch(t, d, conn, "s1", "count", "3")

	require.Len(t, conn.frames, 4)
	for i, f := range conn.frames[:3] {
		assert.Equal(t, "s1", f.ID)
		assert.True(t, f.Success)
		require.NotNil(t, f.Done)
		assert.False(t, *f.Done)
		assert.JSONEq(t, string(rune('1'+i)), string(f.Result))
	}
	last := conn.frames[3]
	assert.Equal(t, "s1", last.ID)
	require.NotNil(t, last.Done)
	assert.True(t, *last.Done)
	assert.JSONEq(t, `"done"`, string(last.Result))
}

func TestDispatch_StreamingErrorEndsStream(t *testing.T) {
	d := NewDispatcher(newRegistry(), newTestLogger())
	conn := &recordingConn{id: "c1"}

	dispatch(t, d, conn, "s2", "halfway")

	require.Len(t, conn.frames, 2)
	assert.False(t, *conn.frames[0].Done)
	assert.False(t, conn.frames[1].Success)
	assert.True(t, *conn.frames[1].Done)
	assert.Equal(t, "exploded", conn.frames[1].Error)
}

func TestDispatch_OnComplete(t *testing.T) {
	d := NewDispatcher(newRegistry(), newTestLogger())
	var got []domain.RPCCompletedPayload
	d.OnComplete(func(_ context.Context, p domain.RPCCompletedPayload) { got = append(got, p) })
	conn := &recordingConn{id: "c9"}

	dispatch(t, d, conn, "1", "add", "1", "1")
	dispatch(t, d, conn, "2", "fail")
	dispatch(t, d, conn, "3", "count", "2")
	dispatch(t, d, conn, "4", "secret")

	require.Len(t, got, 3, "rejected calls are not reported")
	assert.Equal(t, "add", got[0].Method)
	assert.Equal(t, "c9", got[0].ConnID)
	assert.Empty(t, got[0].Error)
	assert.Equal(t, "nope", got[1].Error)
	assert.True(t, got[2].Streaming)
	assert.Equal(t, 2, got[2].Chunks)
}

func TestDispatch_PanicBecomesError(t *testing.T) {
	r := NewRegistry()
	r.Callable("panics", func(context.Context, domain.Invocation) (any, error) { panic("kaboom") }, Meta{})
	d := NewDispatcher(r, newTestLogger())
	conn := &recordingConn{id: "c1"}

	dispatch(t, d, conn, "p", "panics")
	require.Len(t, conn.frames, 1)
	assert.Contains(t, conn.frames[0].Error, "kaboom")
}

func TestStream_EndOnlyOnce(t *testing.T) {
	conn := &recordingConn{id: "c1"}
	s := newStream(conn, "x")
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, 1))
	require.NoError(t, s.End(ctx, nil))
	assert.ErrorIs(t, s.End(ctx, nil), domain.ErrStreamClosed)
	assert.ErrorIs(t, s.Send(ctx, 2), domain.ErrStreamClosed)
	assert.ErrorIs(t, s.Error(ctx, errors.New("late")), domain.ErrStreamClosed)

	require.Len(t, conn.frames, 2)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, s.Chunks())
}

func TestRegistry_InvokeIgnoresAllowlist(t *testing.T) {
	r := newRegistry()
	assert.True(t, r.HasMethod("secret"))
	assert.False(t, r.HasMethod("nothing"))

	got, err := r.Invoke(context.Background(), "secret", domain.Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "leaked", got)

	_, err = r.Invoke(context.Background(), "count", domain.Invocation{Args: []json.RawMessage{json.RawMessage(`2`)}})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "nothing", domain.Invocation{})
	assert.ErrorIs(t, err, domain.ErrMethodNotFound)
}

func TestRegistry_Describe(t *testing.T) {
	infos := newRegistry().Describe()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	assert.Equal(t, []string{"add", "count", "fail", "halfway", "whoami"}, names)
	assert.True(t, infos[1].Streaming)
	assert.Equal(t, "adds two numbers", infos[0].Description)
}

// loopback wires a Client directly to a Dispatcher.
type loopback struct {
	client *Client
	disp   *Dispatcher
}

func (l *loopback) ID() string                  { return "loop" }
func (l *loopback) Metadata() map[string]string { return nil }
func (l *loopback) Send(_ context.Context, data []byte) error {
	l.client.HandleMessage(data)
	return nil
}

func newLoopback(r *Registry) *loopback {
	l := &loopback{disp: NewDispatcher(r, newTestLogger())}
	l.client = NewClient(func(ctx context.Context, data []byte) error {
		in := domain.DecodeInbound(data)
		return l.disp.Dispatch(ctx, l, in.RPC)
	})
	return l
}

func TestClient_CallAndStream(t *testing.T) {
	l := newLoopback(newRegistry())
	ctx := context.Background()

	res, err := l.client.Call(ctx, "add", 4, 5)
	require.NoError(t, err)
	assert.JSONEq(t, `9`, string(res))

	_, err = l.client.Call(ctx, "secret")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, `method "secret" is not callable`, remote.Message)

	var chunks []string
	final, err := l.client.Stream(ctx, "count", func(c json.RawMessage) { chunks = append(chunks, string(c)) }, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, chunks)
	assert.JSONEq(t, `"done"`, string(final))

	_, err = l.client.Stream(ctx, "halfway", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "exploded", remote.Message)

	assert.Equal(t, 0, l.client.Pending())
}

func TestClient_IgnoresForeignFrames(t *testing.T) {
	c := NewClient(func(context.Context, []byte) error { return nil })
	assert.False(t, c.HandleMessage([]byte(`{"type":"state","state":1}`)))
	assert.False(t, c.HandleMessage([]byte(`{"type":"rpc","id":"unknown","success":true}`)))
	assert.False(t, c.HandleMessage([]byte(`not json`)))
}

func TestClient_ContextCancelAndClose(t *testing.T) {
	c := NewClient(func(context.Context, []byte) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Call(ctx, "slow")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Close(errors.New("connection lost"))
	assert.EqualError(t, <-errCh, "connection lost")

	_, err = c.Call(context.Background(), "again")
	assert.EqualError(t, err, "connection lost")
}
