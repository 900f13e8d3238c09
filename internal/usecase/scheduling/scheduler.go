// Package scheduling is the durable per-actor task queue. All pending tasks
// share one wake timer armed at the earliest fire time.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/clock"
	"agentd/internal/infra/tracer"
)

const subsystem = "scheduler"

// Scheduler persists tasks and fires them through the actor's method table.
type Scheduler struct {
	store   domain.TaskStore
	methods domain.MethodTable
	clock   clock.Clock
	bus     domain.EventBus
	actorID string
	logger  *slog.Logger

	mu      sync.Mutex
	timer   clock.Timer
	armedAt time.Time
	gen     uint64
	wake    func()
	stopped bool

	// wakeMu serializes Wake runs; it is never held by Schedule or Cancel so
	// that fired methods can schedule follow-up work.
	wakeMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithEventBus publishes task lifecycle events for actorID.
func WithEventBus(bus domain.EventBus, actorID string) Option {
	return func(s *Scheduler) { s.bus, s.actorID = bus, actorID }
}

// WithWakeFunc replaces what the wake timer runs. Actors use it to run
// Wake inside their own turn.
func WithWakeFunc(f func()) Option {
	return func(s *Scheduler) { s.wake = f }
}

// New creates a Scheduler. Call Start to arm the timer from persisted rows.
func New(store domain.TaskStore, methods domain.MethodTable, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		methods: methods,
		clock:   clock.Real(),
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}
	if s.wake == nil {
		s.wake = func() {
			if err := s.Wake(context.Background()); err != nil {
				s.logger.Error("scheduler wake failed", "error", err)
			}
		}
	}
	return s
}

// Start arms the wake timer from the persisted task set. A task whose fire
// time passed while the actor was unloaded fires on the first wake.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	return s.rearm(ctx)
}

// Stop disarms the wake timer. Persisted tasks are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.disarmLocked()
}

// Schedule validates and persists a task, then re-arms the wake timer.
func (s *Scheduler) Schedule(ctx context.Context, when When, method string, payload json.RawMessage) (*domain.ScheduledTask, error) {
	const op = "Scheduler.Schedule"
	if !s.methods.HasMethod(method) {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrMethodNotFound, fmt.Sprintf("method %q", method))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "payload is not valid JSON")
	}

	now := s.clock.Now()
	fireAt, delaySeconds, err := when.firstFire(now)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, err.Error())
	}

	task := domain.ScheduledTask{
		ID:           newID(now),
		Method:       method,
		Payload:      payload,
		Kind:         when.kind,
		FireAt:       fireAt,
		DelaySeconds: delaySeconds,
		Cron:         when.expr,
		CreatedAt:    now.UTC(),
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if err := s.rearm(ctx); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	s.logger.Info("task scheduled", "actor", s.actorID, "task_id", task.ID, "method", method,
		"kind", string(task.Kind), "fire_at", task.FireAt)
	s.emitEvent(ctx, domain.EventTaskScheduled, task)
	return &task, nil
}

// Cancel deletes a pending task and reports whether one was deleted.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return false, domain.WrapOp("Scheduler.Cancel", err)
	}
	if !deleted {
		return false, nil
	}
	if err := s.rearm(ctx); err != nil {
		return true, domain.WrapOp("Scheduler.Cancel", err)
	}
	s.emitEvent(ctx, domain.EventTaskCancelled, map[string]string{"id": id})
	return true, nil
}

// Get returns one task, or domain.ErrTaskNotFound.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching filter ordered by fire time.
func (s *Scheduler) List(ctx context.Context, filter domain.TaskFilter) ([]domain.ScheduledTask, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, domain.NewSubSystemError(subsystem, "Scheduler.List", domain.ErrInvalidInput,
			fmt.Sprintf("unknown kind %q", filter.Kind))
	}
	return s.store.ListTasks(ctx, filter)
}

// Wake fires every task due at the current time, then arms exactly one
// timer at the earliest remaining fire time. Recurring tasks are advanced
// from now, so occurrences missed while the actor was unavailable collapse
// into one firing. A failing task is logged and the batch continues.
// Running Wake with nothing due only re-arms the timer.
func (s *Scheduler) Wake(ctx context.Context) error {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()

	now := s.clock.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		return domain.WrapOp("Scheduler.Wake", err)
	}

	for _, task := range due {
		if err := s.advance(ctx, task, now); err != nil {
			s.logger.Error("task advance failed", "actor", s.actorID, "task_id", task.ID, "error", err)
			continue
		}
		s.fire(ctx, task)
	}
	return s.rearm(ctx)
}

// Armed returns the fire time of the armed wake timer.
func (s *Scheduler) Armed() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedAt, s.timer != nil
}

// advance deletes a one-shot row or moves a recurring row to its next
// occurrence before the method runs, so a task observes itself as fired.
func (s *Scheduler) advance(ctx context.Context, task domain.ScheduledTask, now time.Time) error {
	if !task.Recurring() {
		_, err := s.store.DeleteTask(ctx, task.ID)
		return err
	}
	next, err := nextOccurrence(task.Cron, now)
	if err != nil {
		// Unparseable rows would otherwise fire on every wake.
		_, delErr := s.store.DeleteTask(ctx, task.ID)
		if delErr != nil {
			return delErr
		}
		return err
	}
	task.FireAt = next
	return s.store.SaveTask(ctx, task)
}

func (s *Scheduler) fire(ctx context.Context, task domain.ScheduledTask) {
	ctx, span := tracer.StartSpan(ctx, "scheduler.fire",
		trace.WithAttributes(
			tracer.StringAttr("task.id", task.ID),
			tracer.StringAttr("task.method", task.Method),
		),
	)
	defer span.End()

	inv := domain.Invocation{}
	if len(task.Payload) > 0 {
		inv.Args = []json.RawMessage{task.Payload}
	}

	start := s.clock.Now()
	_, err := s.invoke(ctx, task.Method, inv)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("scheduled task failed", "actor", s.actorID, "task_id", task.ID,
			"method", task.Method, "error", err)
		s.emitEvent(ctx, domain.EventTaskFailed, map[string]string{
			"id": task.ID, "method": task.Method, "error": err.Error(),
		})
		return
	}
	tracer.SetOK(span)
	s.logger.Info("scheduled task fired", "actor", s.actorID, "task_id", task.ID,
		"method", task.Method, "duration", s.clock.Now().Sub(start))
	s.emitEvent(ctx, domain.EventTaskFired, map[string]string{"id": task.ID, "method": task.Method})
}

func (s *Scheduler) invoke(ctx context.Context, method string, inv domain.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return s.methods.Invoke(ctx, method, inv)
}

// rearm replaces the wake timer with one armed at the minimum fire time.
func (s *Scheduler) rearm(ctx context.Context) error {
	next, ok, err := s.store.NextFireAt(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if !ok {
		s.disarmLocked()
		return nil
	}
	if s.timer != nil && s.armedAt.Equal(next) {
		return nil
	}
	s.disarmLocked()

	s.gen++
	gen := s.gen
	s.armedAt = next
	s.timer = s.clock.AfterFunc(next.Sub(s.clock.Now()), func() { s.onTimer(gen) })
	return nil
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.armedAt = time.Time{}
	wake := s.wake
	s.mu.Unlock()
	wake()
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.armedAt = time.Time{}
	s.gen++
}

func (s *Scheduler) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(eventType, s.actorID, payload))
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a ULID stamped with t. The shared monotonic source keeps ids
// unique when a fake clock hands out the same instant repeatedly.
func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
