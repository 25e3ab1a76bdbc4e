package ingest

import (
	"testing"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/logging"
	"twistbridge/test/testutil"

	"github.com/nats-io/nats.go"
)

const relayedPayload = `{"incident":{"incident_id":"0.relay","state":"open","policy_name":"disk full","summary":"Disk is 95% full.","resource":{"type":"gce_instance","labels":{"instance_id":"db-1"}}}}`

func TestInstallFromSubject(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"twist_bridge.gcp.42":      "42",
		"twist_bridge.gcp.eu.abc":  "abc",
		"twist_bridge.gcp.":        "",
		"no-dots":                  "",
		"twist_bridge.gcp.install": "install",
	}
	for subject, want := range tests {
		if got := installFromSubject(subject); got != want {
			t.Fatalf("expected %q for %q, got %q", want, subject, got)
		}
	}
}

func TestNATSSubscriberForwardsRelayedNotification(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := config.NATSConfig{
		URL:                []string{natsURL},
		AllowCreateBuckets: true,
		Ingest: config.NATSIngest{
			Enabled:       true,
			Stream:        "TWIST_BRIDGE_GCP_TEST",
			Subject:       "twist_bridge.gcp.test.>",
			ConsumerName:  "ingest-test",
			DeliverGroup:  "ingest-test",
			AckWaitSec:    5,
			NackDelayMS:   50,
			MaxDeliver:    5,
			MaxAckPending: 16,
		},
	}
	sink := &fakeSink{accepted: true}
	subscriber, err := NewNATSSubscriber(cfg, sink, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("new nats subscriber: %v", err)
	}
	defer func() { _ = subscriber.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.Publish("twist_bridge.gcp.test.install-9", []byte("not json")); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}
	if _, err := js.Publish("twist_bridge.gcp.test.install-9", []byte(relayedPayload)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool { return sink.count() == 1 }, "relayed notification not forwarded")

	sink.mu.Lock()
	event := sink.events[0]
	installID := sink.installs[0]
	sink.mu.Unlock()
	if installID != "install-9" || event.InstallID != "install-9" {
		t.Fatalf("expected install-9, got %q / %q", installID, event.InstallID)
	}
	if event.IncidentKey != "0.relay" || event.ResourceName() != "db-1" {
		t.Fatalf("unexpected event %+v", event)
	}

	time.Sleep(100 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("expected malformed payload dropped, got %d events", sink.count())
	}
}
