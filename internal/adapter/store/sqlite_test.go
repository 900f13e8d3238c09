package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestState_RoundTripAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "actor.db")

	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.LoadState(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SaveState(ctx, domain.StateRecord{Value: json.RawMessage(`{"count":1}`), Changed: true, UpdatedAt: base}))
	require.NoError(t, s.SaveState(ctx, domain.StateRecord{Value: json.RawMessage(`0`), Changed: true, UpdatedAt: base}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(rec.Value))
	assert.True(t, rec.Changed)
	assert.True(t, rec.UpdatedAt.Equal(base))
}

func TestTasks_CRUDAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tasks := []domain.ScheduledTask{
		{ID: "a", Method: "ping", Payload: json.RawMessage(`"x"`), Kind: domain.TaskDelay, FireAt: base.Add(5 * time.Second), DelaySeconds: 5, CreatedAt: base},
		{ID: "b", Method: "tick", Kind: domain.TaskCron, Cron: "* * * * *", FireAt: base.Add(time.Minute), CreatedAt: base},
		{ID: "c", Method: "ping", Kind: domain.TaskAt, FireAt: base.Add(time.Hour), CreatedAt: base},
	}
	for _, task := range tasks {
		require.NoError(t, s.SaveTask(ctx, task))
	}

	got, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Method)
	assert.JSONEq(t, `"x"`, string(got.Payload))
	assert.True(t, got.FireAt.Equal(base.Add(5*time.Second)))
	assert.Equal(t, int64(5), got.DelaySeconds)

	got, err = s.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got.Payload)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	all, err := s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))

	byKind, err := s.ListTasks(ctx, domain.TaskFilter{Kind: domain.TaskCron})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byKind))

	byID, err := s.ListTasks(ctx, domain.TaskFilter{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(byID))

	window, err := s.ListTasks(ctx, domain.TaskFilter{From: base.Add(10 * time.Second), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(window))

	due, err := s.DueTasks(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(due))

	next, ok, err := s.NextFireAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(base.Add(5*time.Second)))

	tasks[1].FireAt = base.Add(2 * time.Hour)
	require.NoError(t, s.SaveTask(ctx, tasks[1]))
	all, err = s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids(all))

	deleted, err := s.DeleteTask(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteTask(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTasks_EmptyTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.NextFireAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestProviders_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := domain.ProviderConnection{
		ID:          "01HXPROVIDER",
		Name:        "github",
		ServerURL:   "https://mcp.example.com/mcp",
		State:       domain.ProviderAuthenticating,
		ClientID:    "client-1",
		AuthURL:     "https://auth.example.com/authorize?x=1",
		CallbackURL: "http://localhost:8080/agents/chat/room/callback/01HXPROVIDER",
		Options:     domain.ProviderOptions{Headers: map[string]string{"X-Key": "v"}, Transport: domain.TransportSSE},
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, s.SaveProvider(ctx, p))

	p.State = domain.ProviderReady
	p.AuthURL = ""
	p.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.SaveProvider(ctx, p))

	got, err := s.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderReady, got.State)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Empty(t, got.AuthURL)
	assert.Equal(t, "v", got.Options.Headers["X-Key"])
	assert.Equal(t, domain.TransportSSE, got.Options.Transport)

	list, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteProvider(ctx, p.ID))
	assert.ErrorIs(t, s.DeleteProvider(ctx, p.ID), domain.ErrProviderNotFound)
	_, err = s.GetProvider(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestAuth_KeyedByActorProviderClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := domain.AuthRecord{
		ActorID: "chat/room", ProviderID: "p1", ClientID: "c1",
		ClientSecret: "secret", CodeVerifier: "verifier", StateNonce: "nonce", UpdatedAt: base,
	}
	require.NoError(t, s.SaveAuth(ctx, rec))

	rec.Token = json.RawMessage(`{"access_token":"t"}`)
	rec.CodeVerifier = ""
	require.NoError(t, s.SaveAuth(ctx, rec))

	got, err := s.LoadAuth(ctx, "chat/room", "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "secret", got.ClientSecret)
	assert.JSONEq(t, `{"access_token":"t"}`, string(got.Token))
	assert.Empty(t, got.CodeVerifier)
	assert.Equal(t, "nonce", got.StateNonce)

	_, err = s.LoadAuth(ctx, "chat/room", "p1", "other-client")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.LoadAuth(ctx, "chat/other", "p1", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.DeleteAuth(ctx, "chat/room", "p1"))
	_, err = s.LoadAuth(ctx, "chat/room", "p1", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDestroy_DropsEverything(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "actor.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveState(ctx, domain.StateRecord{Value: json.RawMessage(`1`), Changed: true, UpdatedAt: base}))
	require.NoError(t, s.SaveTask(ctx, domain.ScheduledTask{ID: "a", Method: "m", Kind: domain.TaskAt, FireAt: base, CreatedAt: base}))
	require.NoError(t, s.Destroy(ctx))

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.LoadState(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	all, err := s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func ids(tasks []domain.ScheduledTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "actor.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	// A second handle on the same file, as a restarted host would hold.
	other, err := Open(path)
	require.NoError(t, err)
	defer other.Close()

	const workers, writes = 8, 50
	errs := make(chan error, workers*writes)
	var wg sync.WaitGroup
	for w := range workers {
		st := s
		if w%2 == 1 {
			st = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range writes {
				id := fmt.Sprintf("p%d", w)
				if i%2 == 0 {
					errs <- st.SaveProvider(ctx, domain.ProviderConnection{
						ID: id, Name: id, ServerURL: "https://mcp.example.com/mcp",
						State: domain.ProviderConnecting, CreatedAt: base, UpdatedAt: base.Add(time.Duration(i)),
					})
				} else {
					errs <- st.SaveAuth(ctx, domain.AuthRecord{
						ActorID: "chat/room", ProviderID: id, ClientID: "c", StateNonce: fmt.Sprint(i), UpdatedAt: base,
					})
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			failed++
			t.Log(err)
		}
	}
	assert.Zero(t, failed, "writes failed")

	list, err := s.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, workers)
}

func TestTasks_RejectsUnstorableFireTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	far := domain.ScheduledTask{ID: "far", Method: "m", Kind: domain.TaskAt, FireAt: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), CreatedAt: base}
	assert.ErrorIs(t, s.SaveTask(ctx, far), domain.ErrInvalidInput)

	far.FireAt = domain.MaxFireAt
	require.NoError(t, s.SaveTask(ctx, far))
	got, err := s.GetTask(ctx, "far")
	require.NoError(t, err)
	assert.True(t, got.FireAt.Equal(domain.MaxFireAt))
}
