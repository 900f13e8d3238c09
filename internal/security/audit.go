package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger as an append-only JSONL file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	now       func() time.Time
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// NewFileAuditLogger appends to path, creating it with 0600 permissions.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// SetRetention configures the policy applied by EnforceRetention.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes event as one JSON line and mirrors it onto the active span.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+2)
		attrs = append(attrs, tracer.StringAttr("audit.resource", event.Resource), tracer.StringAttr("audit.outcome", event.Outcome))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// LogAccess records an access decision made by the gateway.
func (a *FileAuditLogger) LogAccess(ctx context.Context, typ domain.AuditEventType, client, resource, action, outcome string) error {
	return a.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Client:   client,
		Resource: resource,
		Action:   action,
		Outcome:  outcome,
	})
}

// Close closes the underlying file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries inside the
// policy, and reports how many were removed. Writers block meanwhile.
func (a *FileAuditLogger) EnforceRetention(_ context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retention == nil {
		return 0, nil
	}
	policy := *a.retention

	if policy.MaxAge == 0 && policy.MaxSize > 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	kept, removed, err := a.filter(policy)
	if err != nil {
		return 0, err
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	tmp := a.path + ".tmp"
	werr := os.WriteFile(tmp, kept, 0600)
	if werr == nil {
		werr = os.Rename(tmp, a.path)
	}
	if werr != nil {
		os.Remove(tmp)
	}
	f, err := openAppend(a.path)
	if err != nil {
		return 0, fmt.Errorf("reopen after retention: %w", err)
	}
	a.file = f
	if werr != nil {
		return 0, fmt.Errorf("rewrite audit log: %w", werr)
	}
	return removed, nil
}

// filter reads the log and drops entries older than MaxAge, then the
// oldest entries until the rest fits MaxSize.
func (a *FileAuditLogger) filter(policy RetentionPolicy) ([]byte, int, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = a.now().Add(-policy.MaxAge)
	}

	var (
		lines   [][]byte
		size    int64
		removed int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		lines = append(lines, bytes.Clone(line))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for policy.MaxSize > 0 && size > policy.MaxSize && len(lines) > 0 {
		size -= int64(len(lines[0])) + 1
		lines = lines[1:]
		removed++
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), removed, nil
}
