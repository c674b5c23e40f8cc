package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/proxynas/internal/adapters/mq/queue"
	worker "github.com/okian/proxynas/internal/adapters/mq/worker"
	"github.com/okian/proxynas/internal/adapters/repository"
	"github.com/okian/proxynas/internal/domain/arch"
	model "github.com/okian/proxynas/internal/domain/model"
	logging "github.com/okian/proxynas/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

// Mock implementations for testing.
type mockQueue struct {
	eventChan chan queue.Event
	once      sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{eventChan: make(chan queue.Event, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Event { return mq.eventChan }

func (mq *mockQueue) Close() error {
	mq.once.Do(func() { close(mq.eventChan) })
	return nil
}

type failingRecorder struct {
	mu    sync.Mutex
	calls int
}

func (f *failingRecorder) Record(context.Context, repository.Result) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return false, errors.New("database down")
}

func withAcc(e model.Event, acc float64) model.Event { return e.WithTestAccuracy(acc) }

func waitDone(w *worker.InMemoryWorker) bool {
	select {
	case <-w.Done():
		return true
	case <-time.After(time.Second):
		return false
	}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a memory store", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		store := repository.NewMemoryStore()
		w := worker.NewInMemoryWorker(q, store, worker.WithName("test-recorder"))
		ctx := context.Background()

		convey.Convey("When freeze and promotion events flow through", func() {
			q.eventChan <- model.NewEvent("run", model.EventSampled, 5)
			freeze := model.NewEvent("run", model.EventFreezeDone, 5)
			freeze.Score = 0.7
			q.eventChan <- freeze
			promoted := model.NewEvent("run", model.EventPromoted, 5)
			promoted.Score = 0.7
			q.eventChan <- withAcc(promoted, 93.5)
			other := model.NewEvent("run", model.EventFreezeDone, 6)
			other.Score = 0.4
			q.eventChan <- other
			_ = q.Close()

			go w.Run(ctx)

			convey.Convey("Then results are stored with their oracle accuracy", func() {
				convey.So(waitDone(w), convey.ShouldBeTrue)
				n, _ := store.Count(ctx)
				convey.So(n, convey.ShouldEqual, 2)
				e, err := store.Rank(ctx, arch.ID(5))
				convey.So(err, convey.ShouldBeNil)
				convey.So(e.Rank, convey.ShouldEqual, 1)
				convey.So(e.RunID, convey.ShouldEqual, "run")
				convey.So(*e.TestAccuracy, convey.ShouldEqual, 93.5)
			})
		})

		convey.Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			go w.Run(cctx)
			cancel()

			convey.Convey("Then the worker stops", func() {
				convey.So(waitDone(w), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When shut down explicitly", func() {
			go w.Run(ctx)
			sctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()

			convey.Convey("Then shutdown completes and can be repeated", func() {
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker whose store fails", t, func() {
		_ = logging.Init()
		q := newMockQueue()
		rec := &failingRecorder{}
		w := worker.NewInMemoryWorker(q, rec)

		e := model.NewEvent("run", model.EventFreezeDone, 1)
		e.Score = 0.5
		q.eventChan <- e
		q.eventChan <- e
		_ = q.Close()
		go w.Run(context.Background())

		convey.Convey("Then errors are logged and processing continues", func() {
			convey.So(waitDone(w), convey.ShouldBeTrue)
			rec.mu.Lock()
			defer rec.mu.Unlock()
			convey.So(rec.calls, convey.ShouldEqual, 2)
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over an in-memory queue", t, func() {
		_ = logging.Init()
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		store := repository.NewMemoryStore()
		pool := worker.NewPool(3, q, store)
		ctx := context.Background()
		pool.Start(ctx)

		for i := 0; i < 20; i++ {
			e := model.NewEvent("run", model.EventFreezeDone, arch.ID(i))
			e.Score = float64(i) / 20
			convey.So(q.Publish(ctx, e), convey.ShouldBeTrue)
		}

		convey.Convey("When shutting down", func() {
			sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			err := pool.Shutdown(sctx)

			convey.Convey("Then the queue is drained into the store", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
				n, _ := store.Count(ctx)
				convey.So(n, convey.ShouldEqual, 20)
				top, _ := store.TopN(ctx, 1)
				convey.So(top[0].ArchID, convey.ShouldEqual, arch.ID(19))
			})
		})
	})
}
