package notifyqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"twistbridge/internal/metrics"
	"twistbridge/internal/notify"
	"twistbridge/internal/permanent"
	"twistbridge/internal/state"
	"twistbridge/internal/threads"
)

const deadLetterRecordTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Enqueue after Close started.
	ErrClosed = errors.New("delivery pipeline closed")
	// ErrQueueFull is returned by Enqueue when capacity is reached.
	ErrQueueFull = errors.New("delivery queue full")
)

// Handler performs one delivery attempt for task.
// Params: worker context and task (mutable, owned by the caller for the attempt).
// Returns: attempt error classified by the pipeline.
type Handler func(ctx context.Context, task *DeliveryTask) error

// Options configures Pipeline.
type Options struct {
	Workers        int
	Capacity       int
	Policy         notify.RetryPolicy
	MaxRequeues    int
	LogEachAttempt bool
	Sink           DeadLetterSink
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Pipeline drains per-incident FIFO lanes with a bounded worker pool.
// At most one task per incident key is in flight or waiting on a retry timer.
type Pipeline struct {
	handler        Handler
	policy         notify.RetryPolicy
	maxRequeues    int
	capacity       int
	logEachAttempt bool
	sink           DeadLetterSink
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	lanes     map[string]*lane
	ready     []string
	timers    map[string]*retryTimer
	depth     int
	closed    bool
	closeOnce sync.Once
}

type lane struct {
	tasks []*DeliveryTask
	busy  bool
}

type retryTimer struct {
	timer *time.Timer
	task  *DeliveryTask
}

// New creates pipeline and starts its workers.
// Params: attempt handler and options.
// Returns: running pipeline.
func New(handler Handler, opts Options) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	p := &Pipeline{
		handler:        handler,
		policy:         opts.Policy,
		maxRequeues:    opts.MaxRequeues,
		capacity:       opts.Capacity,
		logEachAttempt: opts.LogEachAttempt,
		sink:           sink,
		logger:         logger.With("component", "pipeline"),
		metrics:        opts.Metrics,
		now:            now,
		runCtx:         runCtx,
		runCancel:      runCancel,
		lanes:          make(map[string]*lane),
		timers:         make(map[string]*retryTimer),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue appends task to the tail of its incident lane.
// Params: pending task.
// Returns: ErrClosed or ErrQueueFull when rejected.
func (p *Pipeline) Enqueue(task *DeliveryTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.capacity > 0 && p.depth >= p.capacity {
		return ErrQueueFull
	}
	task.State = TaskPending
	l, ok := p.lanes[task.IncidentKey]
	if !ok {
		l = &lane{}
		p.lanes[task.IncidentKey] = l
	}
	if !l.busy && len(l.tasks) == 0 {
		p.ready = append(p.ready, task.IncidentKey)
	}
	l.tasks = append(l.tasks, task)
	p.depth++
	p.metrics.QueueDepthAdd(1)
	p.cond.Signal()
	return nil
}

// Reject dead-letters a task that never entered the queue.
// Params: task and the Enqueue error.
// Returns: nothing.
func (p *Pipeline) Reject(task *DeliveryTask, cause error) {
	reason := ReasonQueueFull
	if errors.Is(cause, ErrClosed) {
		reason = ReasonShutdown
	}
	p.deadLetter(task, reason, cause)
}

// Depth returns tasks queued, in flight, or waiting to retry.
// Params: none.
// Returns: task count.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.process(task)
	}
}

// next blocks until a lane is ready or the pipeline has fully drained.
// Params: none.
// Returns: head task of a ready lane, false when the worker should exit.
func (p *Pipeline) next() (*DeliveryTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.ready) == 0 {
		if p.closed && len(p.timers) == 0 {
			return nil, false
		}
		p.cond.Wait()
	}
	key := p.ready[0]
	p.ready = p.ready[1:]
	l := p.lanes[key]
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	l.busy = true
	task.State = TaskSending
	return task, true
}

// release frees the lane after a terminal outcome and readies the next task.
// Params: incident key.
// Returns: nothing.
func (p *Pipeline) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.depth--
	p.metrics.QueueDepthAdd(-1)
	l := p.lanes[key]
	l.busy = false
	if len(l.tasks) == 0 {
		delete(p.lanes, key)
	} else {
		p.ready = append(p.ready, key)
	}
	p.cond.Broadcast()
}

// process runs one attempt and decides the task's next state.
// Params: task taken from a lane head.
// Returns: nothing.
func (p *Pipeline) process(task *DeliveryTask) {
	task.Attempts++
	err := p.handler(p.runCtx, task)
	if err == nil {
		task.State = TaskDelivered
		task.LastError = ""
		p.metrics.DeliveryAttempt("delivered")
		p.metrics.ObserveDelivery("delivered", p.now().Sub(task.AcceptedAt))
		if p.logEachAttempt {
			p.logger.Debug("task delivered",
				"task_id", task.ID,
				"incident_key", task.IncidentKey,
				"attempts", task.Attempts,
			)
		}
		p.release(task.IncidentKey)
		return
	}

	task.LastError = err.Error()
	p.metrics.DeliveryAttempt(attemptOutcome(err))
	if p.logEachAttempt {
		p.logger.Debug("task attempt failed",
			"task_id", task.ID,
			"incident_key", task.IncidentKey,
			"attempt", task.Attempts,
			"error", err.Error(),
		)
	}

	closing := p.isClosed()
	switch {
	case permanent.Is(err):
		p.finishDeadLetter(task, ReasonClientError, err)
	case threads.IsRemoteCreateFailed(err):
		task.Attempts--
		task.Requeues++
		if task.Requeues > p.maxRequeues {
			p.finishDeadLetter(task, ReasonResolveFailed, err)
			return
		}
		if closing {
			p.finishDeadLetter(task, ReasonShutdown, err)
			return
		}
		p.metrics.TaskRequeued()
		p.scheduleRetry(task, p.policy.DelayFor(task.Requeues, err))
	case !notify.Retryable(err) || closing:
		p.finishDeadLetter(task, ReasonShutdown, err)
	case p.policy.Exhausted(task.Attempts):
		p.finishDeadLetter(task, ReasonRetriesExhausted, err)
	default:
		p.scheduleRetry(task, p.policy.DelayFor(task.Attempts, err))
	}
}

// scheduleRetry parks task on a timer; its lane stays busy so later tasks wait.
// Params: task and delay.
// Returns: nothing.
func (p *Pipeline) scheduleRetry(task *DeliveryTask, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task.State = TaskRetrying
	if p.logEachAttempt {
		p.logger.Debug("task retry scheduled",
			"task_id", task.ID,
			"incident_key", task.IncidentKey,
			"delay", delay.String(),
		)
	}
	if p.closed {
		p.resumeLocked(task)
		return
	}
	entry := &retryTimer{task: task}
	p.timers[task.ID] = entry
	entry.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.timers[task.ID]; !ok {
			return
		}
		delete(p.timers, task.ID)
		p.resumeLocked(task)
	})
}

// resumeLocked puts a retrying task back at its lane head. Caller holds p.mu.
// Params: task.
// Returns: nothing.
func (p *Pipeline) resumeLocked(task *DeliveryTask) {
	l := p.lanes[task.IncidentKey]
	l.tasks = append([]*DeliveryTask{task}, l.tasks...)
	l.busy = false
	p.ready = append(p.ready, task.IncidentKey)
	p.cond.Broadcast()
}

func (p *Pipeline) finishDeadLetter(task *DeliveryTask, reason DeadLetterReason, cause error) {
	p.deadLetter(task, reason, cause)
	p.metrics.ObserveDelivery("dead_lettered", p.now().Sub(task.AcceptedAt))
	p.release(task.IncidentKey)
}

// deadLetter records task in the sink chain.
// Params: task, reason, and cause.
// Returns: nothing; sink failures are logged.
func (p *Pipeline) deadLetter(task *DeliveryTask, reason DeadLetterReason, cause error) {
	task.State = TaskDeadLettered
	p.metrics.DeadLettered(string(reason))
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterRecordTimeout)
	defer cancel()
	if err := p.sink.Record(ctx, newDeadLetter(task, reason, cause, p.now())); err != nil {
		p.logger.Error("record dead letter", "task_id", task.ID, "error", err.Error())
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops intake and drains the pipeline.
// Tasks that never started are dead-lettered with reason shutdown; tasks waiting on a
// retry get one final attempt immediately; in-flight attempts finish without retry.
// When ctx expires first, in-flight attempts are cancelled.
// Params: shutdown deadline context.
// Returns: ctx error when drain did not finish in time.
func (p *Pipeline) Close(ctx context.Context) error {
	var dropped []*DeliveryTask
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for key, l := range p.lanes {
			kept := l.tasks[:0]
			for _, task := range l.tasks {
				if task.State == TaskPending {
					dropped = append(dropped, task)
					continue
				}
				kept = append(kept, task)
			}
			l.tasks = kept
			if !l.busy && len(l.tasks) == 0 {
				delete(p.lanes, key)
			}
		}
		p.ready = p.ready[:0]
		for key, l := range p.lanes {
			if !l.busy && len(l.tasks) > 0 {
				p.ready = append(p.ready, key)
			}
		}
		for id, entry := range p.timers {
			entry.timer.Stop()
			delete(p.timers, id)
			p.resumeLocked(entry.task)
		}
		p.depth -= len(dropped)
		p.metrics.QueueDepthAdd(-float64(len(dropped)))
		p.cond.Broadcast()
		p.mu.Unlock()

		for _, task := range dropped {
			p.deadLetter(task, ReasonShutdown, ErrClosed)
		}
		if len(dropped) > 0 {
			p.logger.Warn("queued tasks dead-lettered on shutdown", "count", len(dropped))
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.runCancel()
		return nil
	case <-ctx.Done():
		p.runCancel()
		<-done
		return ctx.Err()
	}
}

// attemptOutcome maps an attempt error onto a metrics label.
// Params: attempt error.
// Returns: outcome label.
func attemptOutcome(err error) string {
	if sinkErr, ok := notify.AsSinkError(err); ok {
		return string(sinkErr.Kind)
	}
	if threads.IsRemoteCreateFailed(err) {
		return "resolve_failed"
	}
	if state.IsStoreError(err) {
		return "store_unavailable"
	}
	return "error"
}
