package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"
	"twistbridge/test/testutil"
)

func TestNATSStoreDedupAndBindingsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.NATSConfig{
		URL:                []string{url},
		DedupBucket:        "dedup_test",
		BindingBucket:      "threads_test",
		AllowCreateBuckets: true,
	}, time.Hour, time.Now)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	first, err := store.Accept(ctx, "delivery-1")
	if err != nil || !first {
		t.Fatalf("expected first accept, got %v err=%v", first, err)
	}
	again, err := store.Accept(ctx, "delivery-1")
	if err != nil || again {
		t.Fatalf("expected duplicate reject, got %v err=%v", again, err)
	}
	if err := store.Forget(ctx, "delivery-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := store.Forget(ctx, "never-seen"); err != nil {
		t.Fatalf("forget unknown id: %v", err)
	}
	released, err := store.Accept(ctx, "delivery-1")
	if err != nil || !released {
		t.Fatalf("expected accept after forget, got %v err=%v", released, err)
	}

	now := time.Now().UTC()
	binding := domain.ThreadBinding{
		IncidentKey: "0.incident with spaces",
		Thread:      domain.ThreadHandle{Mode: domain.ThreadModeAPI, ThreadID: "100"},
		CreatedAt:   now,
	}
	if _, err := store.CreateBinding(ctx, binding); err != nil {
		t.Fatalf("create binding: %v", err)
	}
	duplicate := binding
	duplicate.Thread.ThreadID = "101"
	existing, err := store.CreateBinding(ctx, duplicate)
	if err != ErrConflict || existing.Thread.ThreadID != "100" {
		t.Fatalf("expected conflict with existing binding, got %+v err=%v", existing, err)
	}

	if err := store.CloseBinding(ctx, binding.IncidentKey, now); err != nil {
		t.Fatalf("close binding: %v", err)
	}
	loaded, err := store.GetBinding(ctx, binding.IncidentKey)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if !loaded.Closed() {
		t.Fatalf("expected closed binding")
	}

	removed, err := store.SweepClosedBindings(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("sweep bindings: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one evicted binding, got %d", removed)
	}
	if _, err := store.GetBinding(ctx, binding.IncidentKey); err != ErrNotFound {
		t.Fatalf("expected not found after sweep, got %v", err)
	}
}

func TestKVKeyHashesInvalidKeys(t *testing.T) {
	t.Parallel()

	if got := kvKey("0.abc-123"); got != "0.abc-123" {
		t.Fatalf("expected valid key unchanged, got %q", got)
	}
	hashed := kvKey("policy name with spaces")
	if !strings.HasPrefix(hashed, "h/") || len(hashed) != 42 {
		t.Fatalf("unexpected hashed key %q", hashed)
	}
	if kvKey("policy name with spaces") != hashed {
		t.Fatalf("expected deterministic hashing")
	}
}
