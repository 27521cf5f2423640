package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
)

// EventType identifies a progress event.
type EventType string

const (
	EventBatchStarted        EventType = "batch_started"
	EventResumeCursorMissing EventType = "resume_cursor_missing"
	EventItemRetry           EventType = "item_retry"
	EventItemSucceeded       EventType = "item_succeeded"
	EventItemFailed          EventType = "item_failed"
	EventBatchFinished       EventType = "batch_finished"
)

// Event is a progress notification emitted during a batch run.
type Event struct {
	Type      EventType          `json:"type"`
	JobID     string             `json:"job_id"`
	Namespace string             `json:"namespace"`
	RunID     string             `json:"run_id"`
	ItemID    string             `json:"item_id,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
	DelayMS   int64              `json:"delay_ms,omitempty"`
	Error     string             `json:"error,omitempty"`
	Processed int                `json:"processed"`
	Total     int                `json:"total"`
	Resumed   bool               `json:"resumed,omitempty"`
	Status    domain.BatchStatus `json:"status,omitempty"`
	At        time.Time          `json:"at"`
}

// Sink receives progress events. Publish must not block the run.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}

// Sinks fans an event out to several sinks in order.
type Sinks []Sink

func (s Sinks) Publish(ctx context.Context, e Event) {
	for _, sink := range s {
		sink.Publish(ctx, e)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"job_id", e.JobID,
		"namespace", e.Namespace,
		"run_id", e.RunID,
		"processed", e.Processed,
		"total", e.Total,
	}
	if e.ItemID != "" {
		attrs = append(attrs, "item_id", e.ItemID)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}

	switch e.Type {
	case EventBatchStarted:
		logger.InfoContext(ctx, "Batch started", append(attrs, "resumed", e.Resumed)...)
	case EventBatchFinished:
		logger.InfoContext(ctx, "Batch finished", append(attrs, "status", e.Status)...)
	case EventResumeCursorMissing:
		logger.WarnContext(ctx, "Resume cursor missing from input, restarting batch", attrs...)
	case EventItemFailed:
		logger.WarnContext(ctx, "Item failed", attrs...)
	case EventItemRetry:
		logger.DebugContext(ctx, "Retrying item", append(attrs, "delay_ms", e.DelayMS)...)
	default:
		logger.DebugContext(ctx, "Item processed", attrs...)
	}
}
