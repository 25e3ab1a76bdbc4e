package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/gcp"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes relayed GCP notifications from a JetStream queue consumer.
// Params: NATS connection, queue subscription, and event sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	sink    EventSink
	logger  *slog.Logger
	now     func() time.Time
	ackWait time.Duration
	nack    time.Duration
}

// NewNATSSubscriber creates the JetStream queue consumer.
// Subjects carry the install id as their last token.
// Params: NATS settings, sink, logger, and clock.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSConfig, sink EventSink, logger *slog.Logger, now func() time.Time) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ingest := cfg.Ingest
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if cfg.AllowCreateBuckets {
		if err := ensureIngestStream(js, ingest.Stream, ingest.Subject); err != nil {
			nc.Close()
			return nil, err
		}
	}

	subscriber := &NATSSubscriber{
		nc:      nc,
		sink:    sink,
		logger:  logger.With("component", "nats_ingest"),
		now:     now,
		ackWait: time.Duration(ingest.AckWaitSec) * time.Second,
		nack:    time.Duration(ingest.NackDelayMS) * time.Millisecond,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(ingest.Stream),
		nats.Durable(ingest.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(subscriber.ackWait),
		nats.MaxDeliver(ingest.MaxDeliver),
		nats.MaxAckPending(ingest.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(ingest.Subject, ingest.DeliverGroup, subscriber.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", ingest.Subject, ingest.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle forwards one message to the sink and settles it.
// Params: JetStream message.
// Returns: none.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	installID := installFromSubject(message.Subject)
	if installID == "" {
		s.logger.Warn("nats ingest subject has no install id", "subject", message.Subject)
		s.termMessage(message, "subject")
		return
	}
	event, err := gcp.ParsePayload(message.Data, s.now())
	if err != nil {
		s.logger.Warn("nats ingest parse failed", "subject", message.Subject, "bytes", len(message.Data), "error", err.Error())
		s.termMessage(message, "parse")
		return
	}
	event.InstallID = installID

	ctx, cancel := context.WithTimeout(context.Background(), s.ackWait)
	defer cancel()
	accepted, err := s.sink.HandleWebhook(ctx, installID, event)
	switch {
	case errors.Is(err, ErrUnknownInstall):
		s.logger.Warn("nats ingest for unknown install", "install_id", installID, "event_id", event.ID)
		s.ackMessage(message, "unknown_install")
	case err != nil:
		s.logger.Error("nats ingest not accepted", "install_id", installID, "event_id", event.ID, "error", err.Error())
		s.nackMessage(message, s.nack)
	case !accepted:
		s.ackMessage(message, "duplicate")
	default:
		s.ackMessage(message, "accepted")
	}
}

func installFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}

// ackMessage acknowledges a settled message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// termMessage stops redelivery of a message that can never be processed.
func (s *NATSSubscriber) termMessage(message *nats.Msg, reason string) {
	if err := message.Term(); err != nil {
		s.logger.Warn("nats ingest term failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains the subscription and closes the connection.
// Params: none.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

func ensureIngestStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %q: %w", stream, err)
	}
	return nil
}
