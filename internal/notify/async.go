package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Async queues notifications and events for delivery by a fixed set of
// worker goroutines so slow collaborators never hold up an action. When the
// queue is full the delivery is dropped, logged and counted.
type Async struct {
	notifier  model.Notifier
	publisher model.EventPublisher
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics

	jobs      chan func(context.Context)
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// AsyncOptions sizes the queue.
type AsyncOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// NewAsync starts the workers. notifier or publisher may be nil.
func NewAsync(notifier model.Notifier, publisher model.EventPublisher, opts AsyncOptions, logger *zap.Logger, metrics *observability.Metrics) *Async {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		notifier:  notifier,
		publisher: publisher,
		timeout:   opts.Timeout,
		logger:    logger,
		metrics:   metrics,
		jobs:      make(chan func(context.Context), opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	return a
}

func (a *Async) work() {
	defer a.wg.Done()
	for job := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		job(ctx)
		cancel()
	}
}

// Notify enqueues an approver notification. It never returns an error.
func (a *Async) Notify(ctx context.Context, approverIDs []string, inst model.WorkflowInstance) error {
	if a.notifier == nil {
		return nil
	}
	ids := append([]string(nil), approverIDs...)
	inst = inst.Clone()
	a.enqueue("notify", func(jobCtx context.Context) {
		if err := a.notifier.Notify(jobCtx, ids, inst); err != nil {
			a.logger.Warn("approver notification failed",
				append(observability.InstanceFields(inst), zap.Error(err))...)
		}
	})
	return nil
}

// Publish enqueues a lifecycle event. It never returns an error.
func (a *Async) Publish(ctx context.Context, evt model.InstanceEvent) error {
	if a.publisher == nil {
		return nil
	}
	a.enqueue("publish", func(jobCtx context.Context) {
		if err := a.publisher.Publish(jobCtx, evt); err != nil {
			a.logger.Warn("event publish failed",
				zap.String("event", string(evt.Type)),
				zap.String("instance_id", evt.InstanceID),
				zap.Error(err),
			)
		}
	})
	return nil
}

func (a *Async) enqueue(kind string, job func(context.Context)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.RecordNotification("queue", errDropped)
		return
	}
	select {
	case a.jobs <- job:
	default:
		a.logger.Warn("notification queue full, dropping delivery", zap.String("kind", kind))
		a.metrics.RecordNotification("queue", errDropped)
	}
}

// Close stops accepting work and waits for queued deliveries to finish or
// for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.jobs)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errDropped = errors.New("notify: delivery dropped")
