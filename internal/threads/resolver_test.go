package threads

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"twistbridge/internal/domain"
	"twistbridge/internal/logging"
	"twistbridge/internal/notify"
	"twistbridge/internal/permanent"
	"twistbridge/internal/state"
)

type fakeClient struct {
	mu          sync.Mutex
	created     []string
	messages    []string
	createFails int
	createErr   error
	createDelay time.Duration
}

func (c *fakeClient) CreateThread(_ context.Context, target domain.Integration, title string) (domain.ThreadHandle, error) {
	if c.createDelay > 0 {
		time.Sleep(c.createDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createFails > 0 {
		c.createFails--
		return domain.ThreadHandle{}, c.createErr
	}
	c.created = append(c.created, title)
	return domain.ThreadHandle{
		Mode:      domain.ThreadModeAPI,
		InstallID: target.InstallID,
		ThreadID:  strconv.Itoa(len(c.created)),
		Title:     title,
	}, nil
}

func (c *fakeClient) PostMessage(_ context.Context, thread domain.ThreadHandle, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, thread.ThreadID+":"+body)
	return nil
}

func (c *fakeClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created), len(c.messages)
}

type failingBindings struct {
	state.BindingStore
}

func (failingBindings) GetBinding(context.Context, string) (domain.ThreadBinding, error) {
	return domain.ThreadBinding{}, &state.StoreError{Op: "get binding", Err: errors.New("nats: timeout")}
}

func newTestResolver(store state.BindingStore, client notify.Client, now func() time.Time) *Resolver {
	return NewResolver(Options{
		Store:        store,
		Client:       client,
		CreatePolicy: notify.RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
		ClosedGrace:  time.Hour,
		Now:          now,
		Logger:       logging.Discard(),
	})
}

func event(key string, stateValue domain.AlertState) domain.AlertEvent {
	return domain.AlertEvent{
		ID:          key + "-" + string(stateValue),
		IncidentKey: key,
		State:       stateValue,
		PolicyName:  "High CPU",
		Resource:    map[string]string{"instance_id": "web-1"},
	}
}

func TestResolveCreatesThreadOnceAndReusesIt(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(nil, time.Hour)
	client := &fakeClient{}
	resolver := newTestResolver(store, client, nil)
	target := domain.Integration{InstallID: "1", ChannelID: "5"}

	first, err := resolver.Resolve(context.Background(), target, event("inc-1", domain.AlertStateOpened))
	if err != nil {
		t.Fatalf("resolve opened: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), target, event("inc-1", domain.AlertStateEscalated))
	if err != nil {
		t.Fatalf("resolve escalated: %v", err)
	}
	if first != second {
		t.Fatalf("expected same thread, got %+v and %+v", first, second)
	}
	created, messages := client.counts()
	if created != 1 || messages != 0 {
		t.Fatalf("expected 1 thread and no notes, got %d/%d", created, messages)
	}
	if client.created[0] != "High CPU on web-1" {
		t.Fatalf("unexpected title %q", client.created[0])
	}
}

func TestResolveWithoutOpeningSeedsContextNote(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(nil, time.Hour)
	client := &fakeClient{}
	resolver := newTestResolver(store, client, nil)

	handle, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-2", domain.AlertStateResolved))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	created, messages := client.counts()
	if created != 1 || messages != 1 {
		t.Fatalf("expected one thread with one note, got %d/%d", created, messages)
	}
	if !strings.HasPrefix(client.messages[0], handle.ThreadID+":") || !strings.Contains(client.messages[0], "state: resolved") {
		t.Fatalf("unexpected note %q", client.messages[0])
	}
	binding, err := store.GetBinding(context.Background(), "inc-2")
	if err != nil || binding.Thread != handle {
		t.Fatalf("expected stored binding, got %+v / %v", binding, err)
	}
}

func TestResolveConcurrentCallsCreateSingleThread(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(nil, time.Hour)
	client := &fakeClient{createDelay: 5 * time.Millisecond}
	resolver := newTestResolver(store, client, nil)

	var wg sync.WaitGroup
	handles := make([]domain.ThreadHandle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-3", domain.AlertStateOpened))
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	if created, _ := client.counts(); created != 1 {
		t.Fatalf("expected exactly one thread, got %d", created)
	}
	for _, handle := range handles[1:] {
		if handle != handles[0] {
			t.Fatalf("expected identical handles, got %+v and %+v", handles[0], handle)
		}
	}
}

func TestResolveRetriesThreadCreation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{createFails: 2, createErr: &notify.SinkError{Kind: notify.SinkServerError, Status: 502}}
	resolver := newTestResolver(state.NewMemoryStore(nil, time.Hour), client, nil)

	if _, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-4", domain.AlertStateOpened)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
}

func TestResolveReportsRemoteCreateFailed(t *testing.T) {
	t.Parallel()

	client := &fakeClient{createFails: 10, createErr: &notify.SinkError{Kind: notify.SinkServerError, Status: 503}}
	store := state.NewMemoryStore(nil, time.Hour)
	resolver := newTestResolver(store, client, nil)

	_, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-5", domain.AlertStateOpened))
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) || resolveErr.Kind != RemoteCreateFailed || resolveErr.Attempts != 3 {
		t.Fatalf("expected RemoteCreateFailed after 3 attempts, got %v", err)
	}
	if !IsRemoteCreateFailed(err) || permanent.Is(err) {
		t.Fatalf("expected retryable remote create failure")
	}
	if _, err := store.GetBinding(context.Background(), "inc-5"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected no binding after failure, got %v", err)
	}
}

func TestResolveClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{createFails: 10, createErr: &notify.SinkError{Kind: notify.SinkClientError, Status: 403}}
	resolver := newTestResolver(state.NewMemoryStore(nil, time.Hour), client, nil)

	_, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-6", domain.AlertStateOpened))
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error for 403, got %v", err)
	}
	if client.createFails != 9 {
		t.Fatalf("expected a single create attempt, %d failures left", client.createFails)
	}
}

func TestResolveStoreUnavailable(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(failingBindings{}, &fakeClient{}, nil)
	_, err := resolver.Resolve(context.Background(), domain.Integration{InstallID: "1"}, event("inc-7", domain.AlertStateOpened))
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) || resolveErr.Kind != StoreUnavailable {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if !state.IsStoreError(err) || permanent.Is(err) {
		t.Fatalf("expected retryable store error, got %v", err)
	}
}

func TestMarkResolvedAndSweepClosed(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := state.NewMemoryStore(clock, time.Hour)
	client := &fakeClient{}
	resolver := newTestResolver(store, client, clock)
	target := domain.Integration{InstallID: "1"}

	handle, err := resolver.Resolve(context.Background(), target, event("inc-8", domain.AlertStateOpened))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := resolver.MarkResolved(context.Background(), "inc-8"); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	if err := resolver.MarkResolved(context.Background(), "unknown"); err != nil {
		t.Fatalf("expected unknown key to be ignored, got %v", err)
	}

	again, err := resolver.Resolve(context.Background(), target, event("inc-8", domain.AlertStateResolved))
	if err != nil || again != handle {
		t.Fatalf("expected closed binding reused within grace, got %+v / %v", again, err)
	}

	now = now.Add(30 * time.Minute)
	if removed, err := resolver.SweepClosed(context.Background()); err != nil || removed != 0 {
		t.Fatalf("expected nothing swept within grace, got %d / %v", removed, err)
	}
	now = now.Add(time.Hour)
	if removed, err := resolver.SweepClosed(context.Background()); err != nil || removed != 1 {
		t.Fatalf("expected one binding swept, got %d / %v", removed, err)
	}
	if created, _ := client.counts(); created != 1 {
		t.Fatalf("expected one thread overall, got %d", created)
	}
}
