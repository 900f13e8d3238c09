// Package store is the embedded per-actor SQLite persistence layer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentd/internal/domain"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the state, task, provider and auth stores of one
// actor instance on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ domain.StateStore    = (*SQLiteStore)(nil)
	_ domain.TaskStore     = (*SQLiteStore)(nil)
	_ domain.ProviderStore = (*SQLiteStore)(nil)
	_ domain.AuthStore     = (*SQLiteStore)(nil)
)

// Open opens (or creates) the database at path and runs the schema migration.
// The pool holds a single connection: an actor's writers queue behind each
// other instead of failing with SQLITE_BUSY, and an in-memory database is
// shared rather than opened once per connection.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open actor db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate actor db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS actor_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			value      TEXT NOT NULL,
			changed    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id            TEXT PRIMARY KEY,
			method        TEXT NOT NULL,
			payload       TEXT,
			kind          TEXT NOT NULL,
			fire_at       INTEGER NOT NULL,
			delay_seconds INTEGER NOT NULL DEFAULT 0,
			cron          TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_fire_at ON scheduled_tasks(fire_at);
		CREATE TABLE IF NOT EXISTS provider_connections (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			server_url   TEXT NOT NULL,
			state        TEXT NOT NULL,
			client_id    TEXT NOT NULL DEFAULT '',
			auth_url     TEXT NOT NULL DEFAULT '',
			callback_url TEXT NOT NULL,
			options      TEXT NOT NULL DEFAULT '{}',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS provider_auth (
			actor_id      TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			client_id     TEXT NOT NULL,
			client_secret TEXT NOT NULL DEFAULT '',
			token         TEXT,
			code_verifier TEXT NOT NULL DEFAULT '',
			state_nonce   TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL,
			PRIMARY KEY (actor_id, provider_id, client_id)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Destroy drops every table and closes the database.
func (s *SQLiteStore) Destroy(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS actor_state;
		DROP TABLE IF EXISTS scheduled_tasks;
		DROP TABLE IF EXISTS provider_connections;
		DROP TABLE IF EXISTS provider_auth
	`)
	if err != nil {
		return domain.WrapOp("store.Destroy", err)
	}
	return s.db.Close()
}

// --- state ---

func (s *SQLiteStore) LoadState(ctx context.Context) (*domain.StateRecord, error) {
	var rec domain.StateRecord
	var value, updated string
	var changed int
	err := s.db.QueryRowContext(ctx,
		"SELECT value, changed, updated_at FROM actor_state WHERE id = 1",
	).Scan(&value, &changed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapOp("store.LoadState", err)
	}
	rec.Value = json.RawMessage(value)
	rec.Changed = changed != 0
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, rec domain.StateRecord) error {
	value := string(rec.Value)
	if value == "" {
		value = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_state (id, value, changed, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, changed = excluded.changed, updated_at = excluded.updated_at`,
		value, boolInt(rec.Changed), formatTime(rec.UpdatedAt),
	)
	return domain.WrapOp("store.SaveState", err)
}

// --- scheduled tasks ---

const taskColumns = "id, method, payload, kind, fire_at, delay_seconds, cron, created_at"

func (s *SQLiteStore) SaveTask(ctx context.Context, t domain.ScheduledTask) error {
	if !domain.FireTimeInRange(t.FireAt) {
		return domain.NewDomainError("store.SaveTask", domain.ErrInvalidInput, "fire time out of range: "+t.FireAt.String())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET method = excluded.method, payload = excluded.payload,
			kind = excluded.kind, fire_at = excluded.fire_at, delay_seconds = excluded.delay_seconds,
			cron = excluded.cron`,
		t.ID, t.Method, nullableJSON(t.Payload), string(t.Kind), t.FireAt.UnixNano(),
		t.DelaySeconds, t.Cron, formatTime(t.CreatedAt),
	)
	return domain.WrapOp("store.SaveTask", err)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, domain.WrapOp("store.GetTask", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.ScheduledTask, error) {
	from, to := unixNano(f.From), unixNano(f.To)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE (? = '' OR id = ?)
		  AND (? = '' OR kind = ?)
		  AND (? = 0 OR fire_at >= ?)
		  AND (? = 0 OR fire_at <= ?)
		ORDER BY fire_at, id`,
		f.ID, f.ID, string(f.Kind), string(f.Kind), from, from, to, to,
	)
	if err != nil {
		return nil, domain.WrapOp("store.ListTasks", err)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM scheduled_tasks WHERE fire_at <= ? ORDER BY fire_at, id",
		now.UnixNano(),
	)
	if err != nil {
		return nil, domain.WrapOp("store.DueTasks", err)
	}
	return collectTasks(rows)
}

func (s *SQLiteStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(fire_at) FROM scheduled_tasks").Scan(&next); err != nil {
		return time.Time{}, false, domain.WrapOp("store.NextFireAt", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, next.Int64).UTC(), true, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return false, domain.WrapOp("store.DeleteTask", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- provider connections ---

const providerColumns = "id, name, server_url, state, client_id, auth_url, callback_url, options, error, created_at, updated_at"

func (s *SQLiteStore) SaveProvider(ctx context.Context, p domain.ProviderConnection) error {
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal provider options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_connections (`+providerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, server_url = excluded.server_url,
			state = excluded.state, client_id = excluded.client_id, auth_url = excluded.auth_url,
			callback_url = excluded.callback_url, options = excluded.options, error = excluded.error,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.ServerURL, string(p.State), p.ClientID, p.AuthURL, p.CallbackURL,
		string(opts), p.Error, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return domain.WrapOp("store.SaveProvider", err)
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*domain.ProviderConnection, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM provider_connections WHERE id = ?", id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, domain.WrapOp("store.GetProvider", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]domain.ProviderConnection, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+providerColumns+" FROM provider_connections ORDER BY created_at, id")
	if err != nil {
		return nil, domain.WrapOp("store.ListProviders", err)
	}
	defer rows.Close()

	var out []domain.ProviderConnection
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, domain.WrapOp("store.ListProviders", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM provider_connections WHERE id = ?", id)
	if err != nil {
		return domain.WrapOp("store.DeleteProvider", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

// --- provider auth ---

func (s *SQLiteStore) LoadAuth(ctx context.Context, actorID, providerID, clientID string) (*domain.AuthRecord, error) {
	rec := domain.AuthRecord{ActorID: actorID, ProviderID: providerID, ClientID: clientID}
	var token sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_secret, token, code_verifier, state_nonce, updated_at FROM provider_auth
		WHERE actor_id = ? AND provider_id = ? AND client_id = ?`,
		actorID, providerID, clientID,
	).Scan(&rec.ClientSecret, &token, &rec.CodeVerifier, &rec.StateNonce, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapOp("store.LoadAuth", err)
	}
	if token.Valid && token.String != "" {
		rec.Token = json.RawMessage(token.String)
	}
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func (s *SQLiteStore) SaveAuth(ctx context.Context, rec domain.AuthRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_auth (actor_id, provider_id, client_id, client_secret, token, code_verifier, state_nonce, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, provider_id, client_id) DO UPDATE SET client_secret = excluded.client_secret,
			token = excluded.token, code_verifier = excluded.code_verifier,
			state_nonce = excluded.state_nonce, updated_at = excluded.updated_at`,
		rec.ActorID, rec.ProviderID, rec.ClientID, rec.ClientSecret, nullableJSON(rec.Token),
		rec.CodeVerifier, rec.StateNonce, formatTime(rec.UpdatedAt),
	)
	return domain.WrapOp("store.SaveAuth", err)
}

func (s *SQLiteStore) DeleteAuth(ctx context.Context, actorID, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM provider_auth WHERE actor_id = ? AND provider_id = ?", actorID, providerID,
	)
	return domain.WrapOp("store.DeleteAuth", err)
}

// --- scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var payload sql.NullString
	var kind, created string
	var fireAt int64
	if err := row.Scan(&t.ID, &t.Method, &payload, &kind, &fireAt, &t.DelaySeconds, &t.Cron, &created); err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	t.Kind = domain.TaskKind(kind)
	t.FireAt = time.Unix(0, fireAt).UTC()
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	defer rows.Close()
	out := []domain.ScheduledTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanProvider(row scanner) (*domain.ProviderConnection, error) {
	var p domain.ProviderConnection
	var state, opts, created, updated string
	if err := row.Scan(&p.ID, &p.Name, &p.ServerURL, &state, &p.ClientID, &p.AuthURL,
		&p.CallbackURL, &opts, &p.Error, &created, &updated); err != nil {
		return nil, err
	}
	p.State = domain.ProviderState(state)
	if err := json.Unmarshal([]byte(opts), &p.Options); err != nil {
		return nil, fmt.Errorf("unmarshal provider options: %w", err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
