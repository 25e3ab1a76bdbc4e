package notifyqueue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"twistbridge/internal/domain"

	"github.com/google/uuid"
)

// TaskState tracks one delivery task through the pipeline.
type TaskState string

const (
	// TaskPending is accepted and waiting for its first attempt.
	TaskPending TaskState = "pending"
	// TaskSending is being handed to the sink.
	TaskSending TaskState = "sending"
	// TaskRetrying is waiting out a backoff delay.
	TaskRetrying TaskState = "retrying"
	// TaskDelivered is terminal success.
	TaskDelivered TaskState = "delivered"
	// TaskDeadLettered is terminal failure.
	TaskDeadLettered TaskState = "dead_lettered"
)

// DeliveryTask is one accepted alert event on its way to a Twist thread.
// Params: routing target, source event, rendered body, and attempt counters.
// Returns: unit of work owned by the pipeline after Enqueue.
type DeliveryTask struct {
	ID          string              `json:"id"`
	IncidentKey string              `json:"incident_key"`
	EventID     string              `json:"event_id"`
	Target      domain.Integration  `json:"target"`
	Event       domain.AlertEvent   `json:"event"`
	Body        string              `json:"body"`
	Thread      domain.ThreadHandle `json:"thread"`
	State       TaskState           `json:"state"`
	Attempts    int                 `json:"attempts"`
	Requeues    int                 `json:"requeues"`
	AcceptedAt  time.Time           `json:"accepted_at"`
	LastError   string              `json:"last_error,omitempty"`
}

// NewDeliveryTask builds a pending task for event.
// Params: target integration, event, rendered body, and acceptance time.
// Returns: task with random id.
func NewDeliveryTask(target domain.Integration, event domain.AlertEvent, body string, acceptedAt time.Time) *DeliveryTask {
	return &DeliveryTask{
		ID:          uuid.NewString(),
		IncidentKey: event.IncidentKey,
		EventID:     event.ID,
		Target:      target,
		Event:       event,
		Body:        body,
		State:       TaskPending,
		AcceptedAt:  acceptedAt,
	}
}

// DeadLetterReason identifies why a task was abandoned.
type DeadLetterReason string

const (
	// ReasonClientError marks sink 4xx and other non-retryable failures.
	ReasonClientError DeadLetterReason = "client_error"
	// ReasonRetriesExhausted marks tasks that used their whole attempt budget.
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
	// ReasonResolveFailed marks tasks whose thread could not be created after max requeues.
	ReasonResolveFailed DeadLetterReason = "resolve_failed"
	// ReasonShutdown marks tasks not delivered before the process stopped.
	ReasonShutdown DeadLetterReason = "shutdown"
	// ReasonQueueFull marks tasks rejected at intake.
	ReasonQueueFull DeadLetterReason = "queue_full"
)

// DeadLetter is the append-only record kept for operator inspection.
type DeadLetter struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	IncidentKey string            `json:"incident_key"`
	EventID     string            `json:"event_id"`
	InstallID   string            `json:"install_id"`
	State       domain.AlertState `json:"state"`
	Reason      DeadLetterReason  `json:"reason"`
	LastError   string            `json:"last_error"`
	Attempts    int               `json:"attempt_count"`
	Requeues    int               `json:"requeues"`
	Body        string            `json:"body"`
	FailedAt    time.Time         `json:"timestamp"`
}

// newDeadLetter snapshots task into a dead-letter record.
// Params: task, reason, cause, and failure time.
// Returns: dead-letter record.
func newDeadLetter(task *DeliveryTask, reason DeadLetterReason, cause error, at time.Time) DeadLetter {
	lastError := task.LastError
	if cause != nil {
		lastError = cause.Error()
	}
	if strings.TrimSpace(lastError) == "" {
		lastError = string(reason)
	}
	return DeadLetter{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		IncidentKey: task.IncidentKey,
		EventID:     task.EventID,
		InstallID:   task.Target.InstallID,
		State:       task.Event.State,
		Reason:      reason,
		LastError:   lastError,
		Attempts:    task.Attempts,
		Requeues:    task.Requeues,
		Body:        task.Body,
		FailedAt:    at,
	}
}

// DeadLetterSink records abandoned tasks.
// Params: context and dead-letter record.
// Returns: record error.
type DeadLetterSink interface {
	Record(ctx context.Context, entry DeadLetter) error
}

// LogSink writes every dead letter as one structured error line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates log sink.
// Params: logger.
// Returns: sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs entry.
// Params: context and entry.
// Returns: nil.
func (s *LogSink) Record(_ context.Context, entry DeadLetter) error {
	s.logger.Error("delivery dead-lettered",
		"dead_letter_id", entry.ID,
		"task_id", entry.TaskID,
		"incident_key", entry.IncidentKey,
		"event_id", entry.EventID,
		"install_id", entry.InstallID,
		"reason", string(entry.Reason),
		"attempt_count", entry.Attempts,
		"requeues", entry.Requeues,
		"last_error", entry.LastError,
	)
	return nil
}

// RingSink keeps the newest dead letters in memory for the admin endpoint.
type RingSink struct {
	mu      sync.Mutex
	entries []DeadLetter
	next    int
	full    bool
}

// NewRingSink creates ring with capacity entries.
// Params: capacity, at least 1.
// Returns: ring sink.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingSink{entries: make([]DeadLetter, capacity)}
}

// Record stores entry, overwriting the oldest when full.
// Params: context and entry.
// Returns: nil.
func (s *RingSink) Record(_ context.Context, entry DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.next] = entry
	s.next++
	if s.next == len(s.entries) {
		s.next = 0
		s.full = true
	}
	return nil
}

// List returns stored entries oldest first.
// Params: none.
// Returns: copy of ring contents.
func (s *RingSink) List() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		return append([]DeadLetter(nil), s.entries[:s.next]...)
	}
	out := make([]DeadLetter, 0, len(s.entries))
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

// MultiSink fans one record out to several sinks.
type MultiSink []DeadLetterSink

// Record writes entry to every sink and joins failures.
// Params: context and entry.
// Returns: joined sink errors.
func (m MultiSink) Record(ctx context.Context, entry DeadLetter) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
