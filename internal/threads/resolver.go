package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"twistbridge/internal/domain"
	"twistbridge/internal/metrics"
	"twistbridge/internal/notify"
	"twistbridge/internal/permanent"
	"twistbridge/internal/state"
)

// ResolveErrorKind classifies thread resolution failures.
type ResolveErrorKind string

const (
	// RemoteCreateFailed means the sink refused or failed thread creation after its retry budget.
	RemoteCreateFailed ResolveErrorKind = "remote_create_failed"
	// StoreUnavailable means the binding table could not be read or written.
	StoreUnavailable ResolveErrorKind = "store_unavailable"
)

// ResolveError reports why no thread handle could be produced.
type ResolveError struct {
	Kind        ResolveErrorKind
	IncidentKey string
	Attempts    int
	Err         error
}

// Error returns kind-prefixed message.
// Params: none.
// Returns: error text.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve thread %s: %s: %v", e.IncidentKey, e.Kind, e.Err)
}

// Unwrap exposes sink or store cause.
// Params: none.
// Returns: wrapped error.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// IsRemoteCreateFailed reports whether err is a thread creation failure.
// Params: candidate error.
// Returns: true for RemoteCreateFailed.
func IsRemoteCreateFailed(err error) bool {
	var resolveErr *ResolveError
	return errors.As(err, &resolveErr) && resolveErr.Kind == RemoteCreateFailed
}

// Resolver maps incident keys onto Twist threads, creating them on first sight.
// Params: binding store, sink client, formatter, and per-key locks.
// Returns: serialised per-incident thread resolution.
type Resolver struct {
	store        state.BindingStore
	client       notify.Client
	formatter    *notify.Formatter
	locks        *state.KeyLocker
	createPolicy notify.RetryPolicy
	grace        time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Options configures Resolver.
type Options struct {
	Store        state.BindingStore
	Client       notify.Client
	Formatter    *notify.Formatter
	CreatePolicy notify.RetryPolicy
	ClosedGrace  time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// NewResolver creates resolver.
// Params: resolver options.
// Returns: resolver with its own key locker.
func NewResolver(opts Options) *Resolver {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = notify.DefaultFormatter()
	}
	return &Resolver{
		store:        opts.Store,
		client:       opts.Client,
		formatter:    formatter,
		locks:        state.NewKeyLocker(),
		createPolicy: opts.CreatePolicy,
		grace:        opts.ClosedGrace,
		now:          now,
		logger:       logger.With("component", "threads"),
		metrics:      opts.Metrics,
	}
}

// Resolve returns the thread bound to event's incident, creating one when absent.
// A thread created for a non-opening event is seeded with a context-missing note.
// Params: integration target and alert event.
// Returns: thread handle or *ResolveError.
func (r *Resolver) Resolve(ctx context.Context, target domain.Integration, event domain.AlertEvent) (domain.ThreadHandle, error) {
	key := event.IncidentKey
	unlock := r.locks.Lock(key)
	defer unlock()

	binding, err := r.store.GetBinding(ctx, key)
	if err == nil {
		return binding.Thread, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return domain.ThreadHandle{}, &ResolveError{Kind: StoreUnavailable, IncidentKey: key, Err: err}
	}

	title, err := r.formatter.Title(event)
	if err != nil {
		return domain.ThreadHandle{}, &ResolveError{Kind: RemoteCreateFailed, IncidentKey: key, Attempts: 0, Err: permanent.Mark(err)}
	}

	var handle domain.ThreadHandle
	attempts, err := r.createPolicy.Do(ctx, func(ctx context.Context) error {
		created, createErr := r.client.CreateThread(ctx, target, title)
		if createErr != nil {
			return createErr
		}
		handle = created
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("thread create retry",
			"incident_key", key,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
	})
	if err != nil {
		return domain.ThreadHandle{}, &ResolveError{Kind: RemoteCreateFailed, IncidentKey: key, Attempts: attempts, Err: err}
	}
	r.metrics.ThreadCreated(string(handle.Mode))

	stored, err := r.storeBinding(ctx, domain.ThreadBinding{IncidentKey: key, Thread: handle, CreatedAt: r.now()})
	if err != nil {
		r.logger.Error("thread created but binding not stored",
			"incident_key", key,
			"thread_id", handle.ThreadID,
			"error", err.Error(),
		)
		return domain.ThreadHandle{}, &ResolveError{Kind: StoreUnavailable, IncidentKey: key, Err: err}
	}
	if stored.Thread != handle {
		r.logger.Warn("binding already existed, created thread left unused",
			"incident_key", key,
			"thread_id", handle.ThreadID,
			"bound_thread_id", stored.Thread.ThreadID,
		)
		return stored.Thread, nil
	}

	r.logger.Info("thread created",
		"incident_key", key,
		"mode", string(handle.Mode),
		"thread_id", handle.ThreadID,
		"state", string(event.State),
	)
	if event.State != domain.AlertStateOpened {
		r.seedMissingContext(ctx, handle, event)
	}
	return handle, nil
}

// storeBinding persists a new binding, retrying backend failures with the create budget.
// Params: binding to create.
// Returns: binding now stored for the key (possibly a concurrent winner).
func (r *Resolver) storeBinding(ctx context.Context, binding domain.ThreadBinding) (domain.ThreadBinding, error) {
	var stored domain.ThreadBinding
	_, err := r.createPolicy.Do(ctx, func(ctx context.Context) error {
		existing, err := r.store.CreateBinding(ctx, binding)
		if err == nil {
			stored = binding
			return nil
		}
		if errors.Is(err, state.ErrConflict) {
			stored = existing
			return nil
		}
		return err
	}, nil)
	return stored, err
}

// seedMissingContext posts the note explaining that the opening event was never seen.
// Failure is logged only; the thread and binding already exist.
// Params: new thread handle and triggering event.
// Returns: nothing.
func (r *Resolver) seedMissingContext(ctx context.Context, handle domain.ThreadHandle, event domain.AlertEvent) {
	note, err := r.formatter.MissingContext(event)
	if err != nil {
		r.logger.Error("render missing context note", "incident_key", event.IncidentKey, "error", err.Error())
		return
	}
	if _, err := r.createPolicy.Do(ctx, func(ctx context.Context) error {
		return r.client.PostMessage(ctx, handle, note)
	}, nil); err != nil {
		r.logger.Warn("missing context note not delivered", "incident_key", event.IncidentKey, "error", err.Error())
	}
}

// MarkResolved closes the binding after a Resolved message was delivered.
// Params: incident key.
// Returns: store error; absent binding is not an error.
func (r *Resolver) MarkResolved(ctx context.Context, incidentKey string) error {
	unlock := r.locks.Lock(incidentKey)
	defer unlock()

	err := r.store.CloseBinding(ctx, incidentKey, r.now())
	if err == nil || errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("close binding %s: %w", incidentKey, err)
}

// SweepClosed evicts bindings closed longer than the grace period ago.
// Params: context.
// Returns: evicted count or store error.
func (r *Resolver) SweepClosed(ctx context.Context) (int, error) {
	removed, err := r.store.SweepClosedBindings(ctx, r.now().Add(-r.grace))
	if err != nil {
		return 0, fmt.Errorf("sweep closed bindings: %w", err)
	}
	return removed, nil
}
