// Package telemetry carries best-effort operational events (audit mirrors, HTTP request records)
// to an event sink such as OTel Logs.
package telemetry

import (
	"context"
	"time"
)

// Event is one telemetry record. Attributes become indexed log attributes; Metadata is the
// opaque JSON body.
type Event struct {
	Type       string
	Source     string
	UserID     string
	Attributes map[string]string
	Metadata   []byte
	CreatedAt  time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
