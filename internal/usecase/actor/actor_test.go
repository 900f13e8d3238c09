package actor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/adapter/store"
	"agentd/internal/domain"
	"agentd/internal/infra/clock"
	"agentd/internal/usecase/rpc"
	"agentd/internal/usecase/scheduling"
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	frames []string
	closed string
}

func (c *recordingConn) ID() string                  { return c.id }
func (c *recordingConn) Metadata() map[string]string { return nil }

func (c *recordingConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *recordingConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
	return nil
}

func (c *recordingConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *recordingConn) Last(t *testing.T) map[string]any {
	t.Helper()
	frames := c.Frames()
	require.NotEmpty(t, frames)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &m))
	return m
}

func (c *recordingConn) ClosedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// counter is a small behavior exercising every hook.
type counter struct {
	BaseBehavior

	mu        sync.Mutex
	messages  []string
	updates   []domain.Origin
	ticks     int
	swallow   bool
	connected int
	closed    int
}

func (c *counter) Methods(a *Actor, r *rpc.Registry) {
	r.Callable("increment", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var by int
		if err := inv.Arg(0, &by); err != nil {
			return nil, err
		}
		var st struct {
			Count int `json:"count"`
		}
		raw, err := a.State(ctx)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		st.Count += by
		return st.Count, a.SetState(ctx, st)
	}, rpc.Meta{Description: "adds to the counter"})

	r.Define("secret", func(context.Context, domain.Invocation) (any, error) {
		return "hidden", nil
	})

	r.Define("tick", func(ctx context.Context, inv domain.Invocation) (any, error) {
		c.mu.Lock()
		c.ticks++
		c.mu.Unlock()
		return nil, nil
	})

	r.Streaming("count", func(ctx context.Context, s *rpc.Stream, inv domain.Invocation) error {
		for i := 1; i <= 3; i++ {
			if err := s.Send(ctx, i); err != nil {
				return err
			}
		}
		return s.End(ctx, "done")
	}, rpc.Meta{})
}

func (c *counter) OnConnect(context.Context, *Actor, domain.Connection) error {
	c.mu.Lock()
	c.connected++
	c.mu.Unlock()
	return nil
}

func (c *counter) OnClose(context.Context, *Actor, domain.Connection) {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *counter) OnMessage(_ context.Context, _ *Actor, _ domain.Connection, data []byte) error {
	if string(data) == "boom" {
		return errors.New("boom")
	}
	c.mu.Lock()
	c.messages = append(c.messages, string(data))
	c.mu.Unlock()
	return nil
}

func (c *counter) OnStateUpdate(_ context.Context, _ *Actor, _ json.RawMessage, origin domain.Origin) {
	c.mu.Lock()
	c.updates = append(c.updates, origin)
	c.mu.Unlock()
}

func (c *counter) OnError(ctx context.Context, a *Actor, err error) error {
	if c.swallow {
		return nil
	}
	return c.BaseBehavior.OnError(ctx, a, err)
}

func (c *counter) Ticks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	actor    *Actor
	behavior *counter
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.MemoryPath)
	require.NoError(t, err)

	b := &counter{}
	fc := clock.Fake(epoch)
	a := New(Class{
		Name:         "counter",
		InitialState: json.RawMessage(`{"count":0}`),
		New:          func() Behavior { return b },
	}, "c1", Options{CallbackBase: "http://localhost:8080"}, Deps{
		Store:  s,
		Clock:  fc,
		Logger: testLogger(),
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Unload() })
	return &fixture{actor: a, behavior: b, clock: fc}
}

func TestConnectSendsStateThenProviders(t *testing.T) {
	f := newFixture(t)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.actor.Connect(context.Background(), conn))

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"state","state":{"count":0}}`, frames[0])

	var env struct {
		Type      string `json:"type"`
		Providers struct {
			Servers []any `json:"servers"`
			Tools   []any `json:"tools"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &env))
	assert.Equal(t, "providers", env.Type)
	assert.Empty(t, env.Providers.Tools)
	assert.Equal(t, 1, f.behavior.connected)
	assert.Len(t, f.actor.Connections(), 1)
}

func TestStateUpdateSkipsOrigin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := &recordingConn{id: "a"}, &recordingConn{id: "b"}
	require.NoError(t, f.actor.Connect(ctx, a))
	require.NoError(t, f.actor.Connect(ctx, b))
	before := len(a.Frames())

	require.NoError(t, f.actor.HandleMessage(ctx, a, []byte(`{"type":"state","state":{"count":5}}`)))

	assert.Len(t, a.Frames(), before, "origin must not receive its own update")
	assert.JSONEq(t, `{"type":"state","state":{"count":5}}`, b.Frames()[len(b.Frames())-1])

	v, err := f.actor.State(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":5}`, string(v))

	require.NotEmpty(t, f.behavior.updates)
	assert.Equal(t, "a", f.behavior.updates[len(f.behavior.updates)-1].ConnID)
}

func TestRPCCallBroadcastsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := &recordingConn{id: "a"}, &recordingConn{id: "b"}
	require.NoError(t, f.actor.Connect(ctx, a))
	require.NoError(t, f.actor.Connect(ctx, b))

	require.NoError(t, f.actor.HandleMessage(ctx, a, []byte(`{"type":"rpc","id":"1","method":"increment","args":[2]}`)))

	// Server-side changes reach every observer, the caller included.
	frames := a.Frames()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.JSONEq(t, `{"type":"state","state":{"count":2}}`, frames[len(frames)-2])
	assert.JSONEq(t, `{"type":"rpc","id":"1","success":true,"result":2}`, frames[len(frames)-1])
	assert.JSONEq(t, `{"type":"state","state":{"count":2}}`, b.Frames()[len(b.Frames())-1])
	assert.True(t, f.behavior.updates[len(f.behavior.updates)-1].Internal())
}

func TestRPCRejectsNonCallable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.actor.Connect(ctx, conn))

	require.NoError(t, f.actor.HandleMessage(ctx, conn, []byte(`{"type":"rpc","id":"x","method":"secret","args":[]}`)))
	last := conn.Last(t)
	assert.Equal(t, false, last["success"])
	assert.Contains(t, last["error"], "is not callable")

	require.NoError(t, f.actor.HandleMessage(ctx, conn, []byte(`{"type":"rpc","id":"y","method":"nope","args":[]}`)))
	last = conn.Last(t)
	assert.Equal(t, false, last["success"])
	assert.Contains(t, last["error"], "does not exist")
}

func TestStreamingRPC(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.actor.Connect(ctx, conn))
	before := len(conn.Frames())

	require.NoError(t, f.actor.HandleMessage(ctx, conn, []byte(`{"type":"rpc","id":"s","method":"count","args":[]}`)))
	frames := conn.Frames()[before:]
	require.Len(t, frames, 4)
	assert.JSONEq(t, `{"type":"rpc","id":"s","success":true,"result":1,"done":false}`, frames[0])
	assert.JSONEq(t, `{"type":"rpc","id":"s","success":true,"result":"done","done":true}`, frames[3])
}

func TestPassthroughAndOnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.actor.Connect(ctx, conn))

	require.NoError(t, f.actor.HandleMessage(ctx, conn, []byte("hello")))
	require.NoError(t, f.actor.HandleMessage(ctx, conn, []byte(`{"type":"rpc"}`)))
	assert.Equal(t, []string{"hello", `{"type":"rpc"}`}, f.behavior.messages)

	err := f.actor.HandleMessage(ctx, conn, []byte("boom"))
	require.Error(t, err)

	f.behavior.swallow = true
	assert.NoError(t, f.actor.HandleMessage(ctx, conn, []byte("boom")))
}

func TestDisconnectRunsOnClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.actor.Connect(ctx, conn))

	f.actor.Disconnect(ctx, conn)
	f.actor.Disconnect(ctx, conn)
	assert.Equal(t, 1, f.behavior.closed)
	assert.Empty(t, f.actor.Connections())
}

func TestScheduledTaskFiresInTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.actor.Schedule(ctx, scheduling.After(10*time.Second), "tick", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDelay, task.Kind)

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 0, f.behavior.Ticks())

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.behavior.Ticks())

	_, err = f.actor.GetSchedule(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCancelSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.actor.Schedule(ctx, scheduling.At(epoch.Add(time.Minute)), "tick", nil)
	require.NoError(t, err)
	tasks, err := f.actor.ListSchedules(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	ok, err := f.actor.CancelSchedule(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, f.behavior.Ticks())
}

func TestDoRunsInsideTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.actor.Do(ctx, func(ctx context.Context) error {
		_, err := f.actor.Schedule(ctx, scheduling.Cron("@hourly"), "tick", nil)
		return err
	})
	require.NoError(t, err)

	tasks, err := f.actor.ListSchedules(ctx, domain.TaskFilter{Kind: domain.TaskCron})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	require.NoError(t, f.actor.Unload())
	err = f.actor.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrActorDestroyed)
}

func TestDestroyClosesObserversAndRejectsCalls(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c1.db")
	s, err := store.Open(path)
	require.NoError(t, err)

	a := New(Class{Name: "counter", New: func() Behavior { return &counter{} }}, "c1", Options{}, Deps{
		Store:  s,
		Clock:  clock.Fake(epoch),
		Logger: testLogger(),
	})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.SetState(ctx, map[string]int{"count": 9}))

	conn := &recordingConn{id: "a"}
	require.NoError(t, a.Connect(ctx, conn))
	destroyed := false
	a.onDestroy = func() { destroyed = true }

	require.NoError(t, a.Destroy(ctx))
	assert.True(t, destroyed)
	assert.Equal(t, "actor destroyed", conn.ClosedWith())

	err = a.HandleMessage(ctx, conn, []byte("hello"))
	assert.ErrorIs(t, err, domain.ErrActorDestroyed)
	assert.NoError(t, a.Destroy(ctx))

	// The same name starts from scratch.
	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.LoadState(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHostGetSharesInstance(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := NewHost(Options{}, HostDeps{
		OpenStore: func(class, name string) (Store, error) {
			if err := os.MkdirAll(filepath.Join(dir, class), 0o755); err != nil {
				return nil, err
			}
			return store.Open(filepath.Join(dir, class, name+".db"))
		},
		Clock:  clock.Fake(epoch),
		Logger: testLogger(),
	})
	defer h.Close()

	require.NoError(t, h.Register(Class{Name: "counter", New: func() Behavior { return &counter{} }}))
	assert.ErrorIs(t, h.Register(Class{Name: "counter", New: func() Behavior { return &counter{} }}), domain.ErrDuplicate)
	assert.Equal(t, []string{"counter"}, h.Classes())

	var wg sync.WaitGroup
	got := make([]*Actor, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.Get(ctx, "counter", "shared")
			assert.NoError(t, err)
			got[i] = a
		}()
	}
	wg.Wait()
	for _, a := range got {
		assert.Same(t, got[0], a)
	}
	assert.True(t, h.Loaded("counter", "shared"))

	_, err := h.Get(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.Get(ctx, "counter", "../etc")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, h.Destroy(ctx, "counter", "shared"))
	assert.False(t, h.Loaded("counter", "shared"))

	again, err := h.Get(ctx, "counter", "shared")
	require.NoError(t, err)
	assert.NotSame(t, got[0], again)
}

func TestHostStatePersistsAcrossUnload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func(class, name string) (Store, error) {
		return store.Open(filepath.Join(dir, class+"-"+name+".db"))
	}
	class := Class{Name: "counter", InitialState: json.RawMessage(`{"count":0}`), New: func() Behavior { return &counter{} }}

	h := NewHost(Options{}, HostDeps{OpenStore: open, Logger: testLogger()})
	require.NoError(t, h.Register(class))
	a, err := h.Get(ctx, "counter", "p")
	require.NoError(t, err)
	require.NoError(t, a.SetState(ctx, json.RawMessage(`{"count":3}`)))
	require.NoError(t, h.Close())

	h = NewHost(Options{}, HostDeps{OpenStore: open, Logger: testLogger()})
	defer h.Close()
	require.NoError(t, h.Register(class))
	a, err = h.Get(ctx, "counter", "p")
	require.NoError(t, err)
	v, err := a.State(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(v))
}

func TestHostLookupNeverCreates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := func(class, name string) string { return filepath.Join(dir, class+"-"+name+".db") }
	deps := HostDeps{
		OpenStore: func(class, name string) (Store, error) { return store.Open(path(class, name)) },
		StoreExists: func(class, name string) bool {
			_, err := os.Stat(path(class, name))
			return err == nil
		},
		Logger: testLogger(),
	}
	class := Class{Name: "counter", New: func() Behavior { return &counter{} }}

	h := NewHost(Options{}, deps)
	require.NoError(t, h.Register(class))

	_, err := h.Lookup(ctx, "counter", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.Len())
	assert.NoFileExists(t, path("counter", "ghost"))
	_, err = h.Lookup(ctx, "nope", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.Lookup(ctx, "counter", "../x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	live, err := h.Get(ctx, "counter", "real")
	require.NoError(t, err)
	found, err := h.Lookup(ctx, "counter", "real")
	require.NoError(t, err)
	assert.Same(t, live, found)
	require.NoError(t, h.Close())

	// After a restart the persisted instance is found and loaded.
	h = NewHost(Options{}, deps)
	defer h.Close()
	require.NoError(t, h.Register(class))
	_, err = h.Lookup(ctx, "counter", "real")
	require.NoError(t, err)
	assert.True(t, h.Loaded("counter", "real"))

	// Without StoreExists only live instances are found.
	h2 := NewHost(Options{}, HostDeps{OpenStore: deps.OpenStore, Logger: testLogger()})
	defer h2.Close()
	require.NoError(t, h2.Register(class))
	_, err = h2.Lookup(ctx, "counter", "real")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallbackPath(t *testing.T) {
	assert.Equal(t, "/agents/counter/c%201/callback", CallbackPath("counter", "c 1"))
}
