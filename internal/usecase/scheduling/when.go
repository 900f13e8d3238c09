package scheduling

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentd/internal/domain"
)

// maxDelaySeconds is the largest delay a time.Duration can hold.
const maxDelaySeconds = float64(math.MaxInt64 / int64(time.Second))

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// When describes the trigger of a scheduled task. Build it with At, After or Cron.
type When struct {
	kind  domain.TaskKind
	at    time.Time
	delay time.Duration
	expr  string
}

// At fires once at t.
func At(t time.Time) When { return When{kind: domain.TaskAt, at: t} }

// After fires once, d after the task is created.
func After(d time.Duration) When { return When{kind: domain.TaskDelay, delay: d} }

// Cron fires on every occurrence of a five-field cron expression or a
// descriptor such as "@hourly".
func Cron(expr string) When { return When{kind: domain.TaskCron, expr: strings.TrimSpace(expr)} }

// Kind returns the trigger kind.
func (w When) Kind() domain.TaskKind { return w.kind }

// ParseWhen decodes the JSON form used on the RPC surface: a number is a
// delay in seconds, a string is an RFC 3339 timestamp or else a cron expression.
func ParseWhen(raw json.RawMessage) (When, error) {
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		if math.Abs(secs) >= maxDelaySeconds {
			return When{}, fmt.Errorf("delay of %g seconds is out of range", secs)
		}
		return After(time.Duration(secs * float64(time.Second))), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return When{}, fmt.Errorf("when must be a number of seconds, a timestamp or a cron expression")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return At(t), nil
	}
	return Cron(s), nil
}

// firstFire validates w and computes the task fields it determines.
func (w When) firstFire(now time.Time) (fireAt time.Time, delaySeconds int64, err error) {
	fireAt, delaySeconds, err = w.fireFields(now)
	if err == nil && !domain.FireTimeInRange(fireAt) {
		return time.Time{}, 0, fmt.Errorf("fire time %s is outside %d-%d", fireAt.Format(time.RFC3339), domain.MinFireAt.Year(), domain.MaxFireAt.Year())
	}
	return fireAt, delaySeconds, err
}

func (w When) fireFields(now time.Time) (time.Time, int64, error) {
	switch w.kind {
	case domain.TaskAt:
		if w.at.IsZero() {
			return time.Time{}, 0, fmt.Errorf("timestamp is required")
		}
		return w.at.UTC(), 0, nil
	case domain.TaskDelay:
		if w.delay < 0 {
			return time.Time{}, 0, fmt.Errorf("delay must not be negative: %s", w.delay)
		}
		return now.Add(w.delay).UTC(), int64(w.delay / time.Second), nil
	case domain.TaskCron:
		next, err := nextOccurrence(w.expr, now)
		return next, 0, err
	default:
		return time.Time{}, 0, fmt.Errorf("unknown trigger")
	}
}

// nextOccurrence returns the first activation of expr strictly after now.
func nextOccurrence(expr string, now time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid cron expression: %q", expr)
	}
	next := sched.Next(now.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}
