package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/proxynas/internal/app"
	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/internal/domain/leaderboard"
	"github.com/okian/proxynas/internal/domain/model"
	"github.com/okian/proxynas/internal/domain/training"
	"github.com/okian/proxynas/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var errBoom = errors.New("cuda out of memory")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// script describes how one architecture behaves in every phase.
type script struct {
	epochCost time.Duration // fake time per conditional epoch
	valAcc    float64       // conditional validation accuracy
	freezeAcc float64       // train accuracy with the stem frozen
	postAcc   float64       // train accuracy with everything trainable
	testAcc   float64       // oracle accuracy
	err       error
}

// bench is builder and oracle at once. Architectures without an explicit
// script take the next queued one the first time they are built, so queued
// scripts follow the sampling order.
type bench struct {
	mu     sync.Mutex
	clock  *fakeClock
	size   int
	queue  []script
	byID   map[arch.ID]script
	builds map[arch.ID]int
}

func newBench(clock *fakeClock, size int, queue ...script) *bench {
	return &bench{clock: clock, size: size, queue: queue, byID: map[arch.ID]script{}, builds: map[arch.ID]int{}}
}

func (b *bench) script(id arch.ID) script {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.byID[id]; ok {
		return s
	}
	s := b.queue[0]
	b.queue = b.queue[1:]
	b.byID[id] = s
	return s
}

func (b *bench) Build(_ context.Context, id arch.ID, _ string) (training.Model, error) {
	s := b.script(id)
	b.mu.Lock()
	b.builds[id]++
	b.mu.Unlock()
	return &stubModel{clock: b.clock, s: s, params: []*stubParam{{name: "stem.0.weight"}, {name: "cells.16.edges.0.weight"}}}, nil
}

func (b *bench) Size() int { return b.size }

func (b *bench) TestAccuracy(_ context.Context, id arch.ID, _, _ string) (float64, error) {
	return b.script(id).testAcc, nil
}

func (b *bench) buildCount(id arch.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[id]
}

type stubParam struct {
	name string
	grad bool
}

func (p *stubParam) Name() string           { return p.name }
func (p *stubParam) RequiresGrad() bool     { return p.grad }
func (p *stubParam) SetRequiresGrad(g bool) { p.grad = g }

type stubModel struct {
	clock  *fakeClock
	s      script
	params []*stubParam
}

func (m *stubModel) Parameters() []training.Parameter {
	out := make([]training.Parameter, len(m.params))
	for i, p := range m.params {
		out[i] = p
	}
	return out
}

func (m *stubModel) frozen() bool { return !m.params[0].grad }

func (m *stubModel) TrainStep(_ context.Context, b dataset.Batch) (training.StepResult, error) {
	if m.s.err != nil {
		return training.StepResult{}, m.s.err
	}
	acc := m.s.postAcc
	if m.frozen() {
		acc = m.s.freezeAcc
	} else {
		m.clock.Advance(m.s.epochCost)
	}
	return training.StepResult{Loss: 0.5, Correct: int(acc*float64(b.Size) + 0.5), Count: b.Size}, nil
}

func (m *stubModel) EvalStep(_ context.Context, b dataset.Batch) (training.StepResult, error) {
	return training.StepResult{Loss: 0.5, Correct: int(m.s.valAcc*float64(b.Size) + 0.5), Count: b.Size}, nil
}

type oneBatch struct{}

func (oneBatch) NumBatches() int { return 1 }

func (oneBatch) Batch(_ context.Context, i int) (dataset.Batch, error) {
	return dataset.Batch{Index: i, Size: 100}, nil
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) GetData(context.Context, dataset.LoaderConfig) (dataset.Loaders, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return dataset.Loaders{Train: oneBatch{}, Val: oneBatch{}}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingPublisher) ofKind(k model.EventKind) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func request(n int) app.SearchRequest {
	return app.SearchRequest{
		MaxModels:            n,
		RatioFastestDuration: 2,
		Loader: dataset.LoaderConfig{
			Dataset: "cifar10", TrainBatch: 256, ValBatch: 1024, ValRatio: 0.1, FreezeTrainBatch: 512,
		},
		Trainer:       training.Config{Epochs: 50, Top1AccThreshold: 0.6},
		FreezeTrainer: training.Config{Epochs: 2, IdentifiersToUnfreeze: []string{"cells.16"}},
		PostTrainer:   training.Config{Epochs: 3},
	}
}

func ids(entries []leaderboard.Entry) []arch.ID {
	out := make([]arch.ID, len(entries))
	for i, e := range entries {
		out[i] = e.ArchID
	}
	return out
}

func TestAllowedTime(t *testing.T) {
	Convey("Given the budget rule", t, func() {
		Convey("Then it is unlimited without a baseline", func() {
			So(app.AllowedTime(2, training.Unlimited), ShouldEqual, training.Unlimited)
		})
		Convey("Then it scales the fastest time", func() {
			So(app.AllowedTime(2, 10*time.Second), ShouldEqual, 20*time.Second)
			So(app.AllowedTime(0.5, 10*time.Second), ShouldEqual, 5*time.Second)
		})
		Convey("Then it saturates instead of overflowing", func() {
			So(app.AllowedTime(1e9, time.Duration(1<<62)), ShouldEqual, training.Unlimited)
		})
	})
}

func TestSearch(t *testing.T) {
	_ = logger.Init()

	Convey("Given a searcher over a three-architecture space", t, func() {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(0, 0)}
		pub := &recordingPublisher{}
		provider := &countingProvider{}

		Convey("When A takes 10s, B takes 100s and C takes 5s with ratio 2", func() {
			b := newBench(clock, 3,
				script{epochCost: 10 * time.Second, valAcc: 0.9, freezeAcc: 0.5, postAcc: 0.7, testAcc: 90},
				script{epochCost: 100 * time.Second, valAcc: 0.9, freezeAcc: 0.99, postAcc: 0.99, testAcc: 99},
				script{epochCost: 5 * time.Second, valAcc: 0.9, freezeAcc: 0.6, postAcc: 0.8, testAcc: 92},
			)
			s := app.NewSearcher(b, b, provider, app.WithClock(clock), app.WithPublisher(pub), app.WithSeed(7))
			res, err := s.Search(ctx, request(3))
			So(err, ShouldBeNil)
			a, bb, c := res.Sampled[0], res.Sampled[1], res.Sampled[2]

			Convey("Then B is abandoned against a 20s budget and never reaches a board", func() {
				So(res.Abandoned, ShouldResemble, []arch.ID{bb})
				for _, e := range append(res.BestTrains, res.BestTests...) {
					So(e.ArchID, ShouldNotEqual, bb)
				}
				ab := pub.ofKind(model.EventAbandoned)
				So(len(ab), ShouldEqual, 1)
				So(ab[0].TimeAllowed, ShouldEqual, 20*time.Second)
				So(ab[0].Duration, ShouldEqual, 100*time.Second)
				So(b.buildCount(bb), ShouldEqual, 1)
			})

			Convey("Then the fastest time ratchets down to C", func() {
				So(res.FastestConditional, ShouldEqual, 5*time.Second)
				done := pub.ofKind(model.EventConditionalDone)
				So(len(done), ShouldEqual, 2)
				So(done[0].TimeAllowed, ShouldEqual, training.Unlimited)
				So(done[1].TimeAllowed, ShouldEqual, 20*time.Second)
			})

			Convey("Then A and C are promoted in order with their oracle scores", func() {
				So(ids(res.BestTrains), ShouldResemble, []arch.ID{arch.Sentinel, a, c})
				So(ids(res.BestTests), ShouldResemble, []arch.ID{arch.Sentinel, a, c})
				So(res.BestTests[1].Score, ShouldEqual, 90)
				So(res.BestTests[2].Score, ShouldEqual, 92)
			})

			Convey("Then post training re-ranks the history and picks the best verified", func() {
				So(ids(res.PostBestTests), ShouldResemble, []arch.ID{arch.Sentinel, a, c})
				So(res.BestTestOverall.ArchID, ShouldEqual, c)
				So(res.BestTestOverall.Score, ShouldEqual, 92)
			})

			Convey("Then loaders are built once per distinct configuration", func() {
				So(provider.calls, ShouldEqual, 2)
			})

			Convey("Then the run is announced as finished", func() {
				fin := pub.ofKind(model.EventRunFinished)
				So(len(fin), ShouldEqual, 1)
				So(fin[0].RunID, ShouldEqual, res.RunID)
				So(len(pub.ofKind(model.EventSampled)), ShouldEqual, 3)
			})
		})

		Convey("When freeze scores arrive as 0.70, 0.65 and 0.80", func() {
			b := newBench(clock, 3,
				script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.70, postAcc: 0.5, testAcc: 91},
				script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.65, postAcc: 0.5, testAcc: 99},
				script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.80, postAcc: 0.5, testAcc: 89},
			)
			s := app.NewSearcher(b, b, provider, app.WithClock(clock), app.WithPublisher(pub))
			res, err := s.Search(ctx, request(3))
			So(err, ShouldBeNil)
			x, y, z := res.Sampled[0], res.Sampled[1], res.Sampled[2]

			Convey("Then only strict improvements are promoted", func() {
				So(ids(res.BestTrains), ShouldResemble, []arch.ID{arch.Sentinel, x, z})
				So(res.BestTrains[1].Score, ShouldAlmostEqual, 0.70)
				So(res.BestTrains[2].Score, ShouldAlmostEqual, 0.80)
				So(ids(res.BestTests), ShouldNotContain, y)
			})

			Convey("Then the verified board mirrors positions even when it drops", func() {
				So(res.BestTests[1].Score, ShouldEqual, 91)
				So(res.BestTests[2].Score, ShouldEqual, 89)
				So(len(pub.ofKind(model.EventPromoted)), ShouldEqual, 2)
			})

			Convey("Then every survivor is post trained after its own step", func() {
				// x is re-trained after each of the three steps, z after its own.
				So(b.buildCount(x), ShouldEqual, 2+3)
				So(b.buildCount(y), ShouldEqual, 2)
				So(b.buildCount(z), ShouldEqual, 2+1)
			})
		})

		Convey("When more models are requested than the space holds", func() {
			b := newBench(clock, 3)
			s := app.NewSearcher(b, b, provider)
			res, err := s.Search(ctx, request(4))

			Convey("Then it fails before any training", func() {
				So(res, ShouldBeNil)
				So(errors.Is(err, arch.ErrSamplingExhausted), ShouldBeTrue)
				So(provider.calls, ShouldEqual, 0)
			})
		})

		Convey("When zero models are requested", func() {
			b := newBench(clock, 3)
			s := app.NewSearcher(b, b, provider)
			res, err := s.Search(ctx, request(0))

			Convey("Then the boards hold only their sentinels", func() {
				So(err, ShouldBeNil)
				So(ids(res.BestTrains), ShouldResemble, []arch.ID{arch.Sentinel})
				So(res.BestTestOverall.IsSentinel(), ShouldBeTrue)
				So(res.FastestConditional, ShouldEqual, training.Unlimited)
			})
		})

		Convey("When a training step fails", func() {
			b := newBench(clock, 2,
				script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.5, postAcc: 0.5, testAcc: 90},
				script{err: errBoom},
			)
			s := app.NewSearcher(b, b, provider)
			res, err := s.Search(ctx, request(2))

			Convey("Then the whole search aborts with the cause", func() {
				So(res, ShouldBeNil)
				So(errors.Is(err, errBoom), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "conditional training")
				So(s.Progress().Running, ShouldBeFalse)
			})
		})

		Convey("When the request is malformed", func() {
			s := app.NewSearcher(newBench(clock, 3), newBench(clock, 3), provider)
			bad := request(1)
			bad.RatioFastestDuration = 0
			_, err := s.Search(ctx, bad)
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)

			bad = request(-1)
			_, err = s.Search(ctx, bad)
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)

			bad = request(1)
			bad.Loader.Dataset = " "
			_, err = s.Search(ctx, bad)
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)
		})
	})
}

func TestSampling(t *testing.T) {
	_ = logger.Init()

	Convey("Given a large search space", t, func() {
		clock := &fakeClock{now: time.Unix(0, 0)}
		queue := make([]script, 20)
		for i := range queue {
			queue[i] = script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.5, postAcc: 0.5, testAcc: 90}
		}
		b := newBench(clock, 15625, queue...)
		s := app.NewSearcher(b, b, &countingProvider{}, app.WithClock(clock), app.WithSeed(42))

		Convey("When sampling twenty architectures", func() {
			req := request(20)
			req.PostTrainer.Epochs = 1
			res, err := s.Search(context.Background(), req)

			Convey("Then all ids are distinct and in range", func() {
				So(err, ShouldBeNil)
				seen := map[arch.ID]bool{}
				for _, id := range res.Sampled {
					So(seen[id], ShouldBeFalse)
					seen[id] = true
					So(int(id), ShouldBeBetweenOrEqual, 0, 15624)
				}
				So(len(seen), ShouldEqual, 20)
			})
		})
	})
}

func TestPostTrainTop(t *testing.T) {
	_ = logger.Init()

	Convey("Given a history that includes architecture 0", t, func() {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := newBench(clock, 10)
		b.byID[0] = script{postAcc: 0.9, testAcc: 91}
		b.byID[2] = script{postAcc: 0.8, testAcc: 95}
		b.byID[5] = script{postAcc: 0.95, testAcc: 88}
		pub := &recordingPublisher{}
		s := app.NewSearcher(b, b, &countingProvider{}, app.WithClock(clock), app.WithPublisher(pub))
		history := []leaderboard.Entry{leaderboard.SentinelEntry(), {ArchID: 0, Score: 0.1}, {ArchID: 2, Score: 0.2}, {ArchID: 5, Score: 0.3}}
		req := request(0)

		Convey("When re-ranking", func() {
			got, err := s.PostTrainTop(context.Background(), history, "cifar10", req.Loader, req.PostTrainer)

			Convey("Then only the sentinel is skipped", func() {
				So(err, ShouldBeNil)
				So(b.buildCount(0), ShouldEqual, 1)
				So(b.buildCount(2), ShouldEqual, 1)
				So(b.buildCount(5), ShouldEqual, 1)
				So(len(pub.ofKind(model.EventPostRanked)), ShouldEqual, 3)
			})

			Convey("Then the result is the verified board of strict improvements", func() {
				So(ids(got), ShouldResemble, []arch.ID{arch.Sentinel, 0, 5})
				So(got[1].Score, ShouldEqual, 91)
				So(got[2].Score, ShouldEqual, 88)
				So(leaderboard.MaxEntry(got).ArchID, ShouldEqual, arch.ID(0))
			})

			Convey("Then repeating it gives the same ranking", func() {
				again, err := s.PostTrainTop(context.Background(), history, "cifar10", req.Loader, req.PostTrainer)
				So(err, ShouldBeNil)
				So(again, ShouldResemble, got)
			})
		})

		Convey("When the history is only the sentinel", func() {
			got, err := s.PostTrainTop(context.Background(), history[:1], "cifar10", req.Loader, req.PostTrainer)

			Convey("Then nothing is trained", func() {
				So(err, ShouldBeNil)
				So(ids(got), ShouldResemble, []arch.ID{arch.Sentinel})
			})
		})
	})
}

func TestGetStats(t *testing.T) {
	_ = logger.Init()

	Convey("Given an idle searcher", t, func() {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := newBench(clock, 3,
			script{epochCost: time.Second, valAcc: 0.9, freezeAcc: 0.5, postAcc: 0.5, testAcc: 90},
		)
		s := app.NewSearcher(b, b, &countingProvider{}, app.WithClock(clock))

		Convey("Then its stats encode as JSON with null scores", func() {
			stats := s.GetStats()
			So(stats["running"], ShouldBeFalse)
			So(stats["best_train"], ShouldBeNil)
			So(stats["time_allowed_secs"], ShouldEqual, "unbounded")
			_, err := json.Marshal(stats)
			So(err, ShouldBeNil)
		})

		Convey("When a run finishes", func() {
			res, err := s.Search(context.Background(), request(1))
			So(err, ShouldBeNil)
			stats := s.GetStats()

			Convey("Then the snapshot reflects it", func() {
				So(stats["run_id"], ShouldEqual, res.RunID)
				So(stats["processed"], ShouldEqual, 1)
				So(stats["abandoned"], ShouldEqual, 0)
				So(stats["running"], ShouldBeFalse)
				So(stats["best_train"], ShouldNotBeNil)
				_, err := json.Marshal(stats)
				So(err, ShouldBeNil)
			})
		})
	})
}
