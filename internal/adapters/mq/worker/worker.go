// Package worker drains search events into the result store.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/okian/proxynas/internal/adapters/repository"
	"github.com/okian/proxynas/internal/domain/model"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

// Event abstracts what workers read off the queue.
type Event = model.Event

// Recorder persists results.
type Recorder interface {
	Record(ctx context.Context, r repository.Result) (bool, error)
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker processes events using the provided interfaces.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue closes.
	Run(ctx context.Context)

	// Shutdown stops the worker without draining.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker records freeze and promotion events.
type InMemoryWorker struct {
	queue    Queue
	recorder Recorder
	name     string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, recorder Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		recorder: recorder,
		name:     "recorder",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := w.process(ctx, e); err != nil {
				w.logger.Error(ctx, "error recording event", logger.String("event_id", e.ID), logger.Error(err))
			}
		}
	}
}

// Shutdown signals the worker and waits for it to stop.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker) process(ctx context.Context, e Event) error { //nolint:gocritic // hugeParam: Event must be passed by value for channel semantics
	switch e.Kind {
	case model.EventFreezeDone, model.EventPromoted:
	default:
		return nil
	}

	r := repository.Result{
		ArchID:    e.ArchID,
		RunID:     e.RunID,
		Score:     e.Score,
		UpdatedAt: e.TS,
	}
	if e.HasTestAccuracy {
		acc := e.TestAccuracy
		r.TestAccuracy = &acc
	}

	improved, err := w.recorder.Record(ctx, r)
	if err != nil {
		metrics.RecordRecorderError()
		return fmt.Errorf("record arch %d from %s: %w", e.ArchID, e.Kind, err)
	}
	metrics.RecordRecorderWrite()
	if improved {
		w.logger.Debug(ctx, "result improved",
			logger.Int("arch_id", int(e.ArchID)),
			logger.Float64("score", e.Score),
		)
	}
	return nil
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers (at least one).
func NewPool(workerCount int, q Queue, recorder Recorder) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("recorder_pool"),
	}
	for i := range p.workers {
		p.workers[i] = NewInMemoryWorker(q, recorder, WithName("recorder-"+strconv.Itoa(i)))
	}
	return p
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue when it can be closed and waits for the workers
// to drain it, stopping them outright once ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	var timedOut bool
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			_ = w.Shutdown(context.Background())
		}
	}
	if timedOut {
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
	return nil
}
