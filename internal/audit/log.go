package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"finllm.org/internal/auth"
	"finllm.org/internal/ids"
	"finllm.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Recorder appends events to the audit ledger and returns the event id.
type Recorder interface {
	Record(ctx context.Context, event string, fields map[string]any) (string, error)
}

// Entry is one audit event.
type Entry struct {
	ID        string         `json:"event_id"`
	Time      time.Time      `json:"ts"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func newEntry(ctx context.Context, event string, fields map[string]any) (Entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Entry{}, errors.New("event name is required")
	}
	now := time.Now().UTC()
	e := Entry{
		ID:        ids.NewAt(now),
		Time:      now,
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e.UserID = userID
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e, nil
}

func writeLine(e Entry) error {
	line := map[string]any{
		"ts":       e.Time.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    e.Event,
		"event_id": e.ID,
		"fields":   e.Fields,
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if e.UserID != "" {
		line["user_id"] = e.UserID
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	_, err := LogRecorder{}.Record(ctx, event, fields)
	return err
}

// LogRecorder writes audit events as JSON lines on the shared logger.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, event string, fields map[string]any) (string, error) {
	e, err := newEntry(ctx, event, fields)
	if err != nil {
		return "", err
	}
	if err := writeLine(e); err != nil {
		return "", err
	}
	return e.ID, nil
}
