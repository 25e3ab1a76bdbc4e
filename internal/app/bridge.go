package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"twistbridge/internal/domain"
	"twistbridge/internal/ingest"
	"twistbridge/internal/integration"
	"twistbridge/internal/metrics"
	"twistbridge/internal/notify"
	"twistbridge/internal/notifyqueue"
	"twistbridge/internal/state"
	"twistbridge/internal/threads"
)

// IntegrationStore persists Twist installs.
// Params: install id or record.
// Returns: integration.ErrNotFound for unknown installs.
type IntegrationStore interface {
	Get(ctx context.Context, installID string) (domain.Integration, error)
	Put(ctx context.Context, record domain.Integration) (domain.Integration, error)
	Delete(ctx context.Context, installID string) error
}

// TaskQueue accepts delivery tasks.
type TaskQueue interface {
	Enqueue(task *notifyqueue.DeliveryTask) error
	Reject(task *notifyqueue.DeliveryTask, cause error)
}

// BridgeOptions wires Bridge collaborators.
type BridgeOptions struct {
	Integrations IntegrationStore
	Dedup        state.DedupStore
	Resolver     *threads.Resolver
	Client       notify.Client
	Formatter    *notify.Formatter
	HelloMessage string
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Bridge turns verified GCP notifications into ordered Twist thread posts.
// Params: integration registry, dedup store, thread resolver, and outbound client.
// Returns: webhook sink, install handler, and delivery handler.
type Bridge struct {
	integrations IntegrationStore
	dedup        state.DedupStore
	resolver     *threads.Resolver
	client       notify.Client
	formatter    *notify.Formatter
	hello        string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	locks        *state.KeyLocker
	queue        TaskQueue
}

// NewBridge creates a bridge; SetQueue must be called before webhooks arrive.
// Params: bridge options.
// Returns: bridge instance.
func NewBridge(opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = notify.DefaultFormatter()
	}
	return &Bridge{
		integrations: opts.Integrations,
		dedup:        opts.Dedup,
		resolver:     opts.Resolver,
		client:       opts.Client,
		formatter:    formatter,
		hello:        opts.HelloMessage,
		metrics:      opts.Metrics,
		logger:       logger.With("component", "bridge"),
		now:          now,
		locks:        state.NewKeyLocker(),
	}
}

// SetQueue attaches the delivery queue fed by HandleWebhook.
// Params: task queue.
// Returns: none.
func (b *Bridge) SetQueue(queue TaskQueue) {
	b.queue = queue
}

// ScopedIncidentKey namespaces an incident key by install so every install gets its own thread.
// Params: install id and provider incident key.
// Returns: binding and lane key.
func ScopedIncidentKey(installID, incidentKey string) string {
	return installID + "/" + incidentKey
}

// HandleWebhook dedups and enqueues one verified event for an install.
// Accept and enqueue run under the incident lock so lane order follows accept order.
// A refused enqueue releases the dedup id so the provider's retry is accepted.
// Params: install id and event.
// Returns: true when enqueued, false for a duplicate; ingest.ErrUnknownInstall or ingest.ErrUnavailable.
func (b *Bridge) HandleWebhook(ctx context.Context, installID string, event domain.AlertEvent) (bool, error) {
	target, err := b.integrations.Get(ctx, installID)
	if errors.Is(err, integration.ErrNotFound) {
		return false, ingest.ErrUnknownInstall
	}
	if err != nil {
		return false, unavailable("lookup integration", err)
	}

	event.InstallID = installID
	event.IncidentKey = ScopedIncidentKey(installID, event.IncidentKey)
	dedupID := installID + "/" + event.ID

	unlock := b.locks.Lock(event.IncidentKey)
	defer unlock()

	accepted, err := b.dedup.Accept(ctx, dedupID)
	if err != nil {
		b.metrics.DedupDecision("error")
		return false, unavailable("dedup accept", err)
	}
	if !accepted {
		b.metrics.DedupDecision("duplicate")
		b.logger.Debug("duplicate notification dropped", "install_id", installID, "event_id", event.ID)
		return false, nil
	}
	b.metrics.DedupDecision("accepted")

	body, err := b.formatter.Body(event)
	if err != nil {
		b.logger.Error("message render failed, posting summary", "event_id", event.ID, "error", err.Error())
		body = event.Summary
	}

	task := notifyqueue.NewDeliveryTask(target, event, body, b.now())
	if err := b.queue.Enqueue(task); err != nil {
		if forgetErr := b.dedup.Forget(ctx, dedupID); forgetErr != nil {
			b.logger.Error("dedup record not released, provider retry will be dropped",
				"event_id", event.ID, "error", forgetErr.Error())
		}
		b.queue.Reject(task, err)
		return false, unavailable("enqueue delivery", err)
	}
	b.logger.Debug("notification accepted",
		"install_id", installID,
		"incident_key", event.IncidentKey,
		"event_id", event.ID,
		"task_id", task.ID,
	)
	return true, nil
}

// Deliver performs one delivery attempt: resolve the thread, post, and close on Resolved.
// Params: worker context and task.
// Returns: resolve or sink error for the pipeline to classify.
func (b *Bridge) Deliver(ctx context.Context, task *notifyqueue.DeliveryTask) error {
	thread, err := b.resolver.Resolve(ctx, task.Target, task.Event)
	if err != nil {
		return err
	}
	task.Thread = thread
	if err := b.client.PostMessage(ctx, thread, task.Body); err != nil {
		return err
	}
	if task.Event.State == domain.AlertStateResolved {
		if err := b.resolver.MarkResolved(ctx, task.IncidentKey); err != nil {
			b.logger.Warn("binding not marked closed", "incident_key", task.IncidentKey, "error", err.Error())
		}
	}
	return nil
}

// Install registers an integration and greets it through its post_data_url.
// A failed greeting is logged; the install still succeeds.
// Params: integration record.
// Returns: registry error.
func (b *Bridge) Install(ctx context.Context, record domain.Integration) error {
	stored, err := b.integrations.Put(ctx, record)
	if err != nil {
		return fmt.Errorf("register integration: %w", err)
	}
	if b.hello == "" {
		return nil
	}
	greeting := domain.ThreadHandle{
		Mode:      domain.ThreadModeIntegration,
		InstallID: stored.InstallID,
		PostURL:   stored.PostDataURL,
	}
	if err := b.client.PostMessage(ctx, greeting, b.hello); err != nil {
		b.logger.Warn("hello message failed", "install_id", stored.InstallID, "error", err.Error())
	}
	return nil
}

// Uninstall removes an integration.
// Params: install id.
// Returns: ingest.ErrUnknownInstall when absent.
func (b *Bridge) Uninstall(ctx context.Context, installID string) error {
	err := b.integrations.Delete(ctx, installID)
	if errors.Is(err, integration.ErrNotFound) {
		return ingest.ErrUnknownInstall
	}
	if err != nil {
		return fmt.Errorf("remove integration: %w", err)
	}
	return nil
}

// SweepDedup drops dedup records past retention.
// Params: context.
// Returns: removed count or store error.
func (b *Bridge) SweepDedup(ctx context.Context) (int, error) {
	return b.dedup.SweepDedup(ctx, b.now())
}

// SweepBindings drops closed bindings past their grace period.
// Params: context.
// Returns: removed count or store error.
func (b *Bridge) SweepBindings(ctx context.Context) (int, error) {
	return b.resolver.SweepClosed(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ingest.ErrUnavailable, err))
}
