package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"twistbridge/internal/config"

	"github.com/nats-io/nats.go"
)

const deadLetterStreamMaxAge = 7 * 24 * time.Hour

// NATSSink publishes dead letters to a JetStream stream for durable inspection.
// Params: NATS connection and DLQ subject.
// Returns: dead-letter sink shared by all bridge replicas.
type NATSSink struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSSink connects and ensures the dead-letter stream exists.
// Params: NATS settings with DLQ stream and subject.
// Returns: initialized sink or setup error.
func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect dead-letter nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for dead letters: %w", err)
	}
	if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, deadLetterStreamMaxAge); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSSink{nc: nc, js: js, subject: cfg.DLQSubject}, nil
}

// Record publishes entry; Nats-Msg-Id makes republishing the same outcome idempotent.
// Params: context and entry.
// Returns: marshal or publish error.
func (s *NATSSink) Record(ctx context.Context, entry DeadLetter) error {
	if s == nil || s.js == nil {
		return nil
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = body
	if taskID := strings.TrimSpace(entry.TaskID); taskID != "" {
		msg.Header.Set("Nats-Msg-Id", taskID+":dlq:"+string(entry.Reason)+":"+strconv.Itoa(entry.Attempts))
	}
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Close closes sink connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSSink) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
