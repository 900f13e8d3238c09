package domain

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Fire times are kept as Unix nanoseconds, which span 1677 to 2262.
var (
	MinFireAt = time.Unix(0, math.MinInt64).UTC()
	MaxFireAt = time.Unix(0, math.MaxInt64).UTC()
)

// FireTimeInRange reports whether t can be stored as a fire time.
func FireTimeInRange(t time.Time) bool {
	return !t.Before(MinFireAt) && !t.After(MaxFireAt)
}

// TaskKind is the trigger kind of a scheduled task.
type TaskKind string

const (
	TaskAt    TaskKind = "at"
	TaskDelay TaskKind = "delay"
	TaskCron  TaskKind = "cron"
)

// Valid reports whether k is a known trigger kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskAt, TaskDelay, TaskCron:
		return true
	}
	return false
}

// ScheduledTask is a durable request to invoke Method with Payload at FireAt.
// FireAt is authoritative for every kind; for TaskDelay it is fixed at creation.
type ScheduledTask struct {
	ID           string          `json:"id"`
	Method       string          `json:"method"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Kind         TaskKind        `json:"kind"`
	FireAt       time.Time       `json:"fire_at"`
	DelaySeconds int64           `json:"delay_seconds,omitempty"`
	Cron         string          `json:"cron,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Recurring reports whether the task survives its firing.
func (t ScheduledTask) Recurring() bool { return t.Kind == TaskCron }

// TaskFilter narrows List results. Zero fields match everything.
type TaskFilter struct {
	ID   string
	Kind TaskKind
	From time.Time
	To   time.Time
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	SaveTask(ctx context.Context, task ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]ScheduledTask, error)
	// DueTasks returns tasks with FireAt <= now ordered by FireAt.
	DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	// NextFireAt returns the minimum FireAt, or ok=false when the table is empty.
	NextFireAt(ctx context.Context) (t time.Time, ok bool, err error)
	DeleteTask(ctx context.Context, id string) (bool, error)
}
