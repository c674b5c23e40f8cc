// Package app runs the architecture search: sampling, budget-aware
// conditional training, freeze training, leaderboard promotion against the
// benchmark oracle and re-ranking of the leaderboard history by full
// post training.
//
// The search loop is sequential. Its own state (the fastest conditional
// time and the leaderboard pairs) lives on the stack of Search; only the
// progress snapshot served to the status API is shared and locked.
package app

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/internal/domain/leaderboard"
	"github.com/okian/proxynas/internal/domain/model"
	"github.com/okian/proxynas/internal/domain/training"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

const defaultHPProfile = "200"

// Leaderboard names used in logs and metrics.
const (
	boardBestTrains     = "best_trains"
	boardBestTests      = "best_tests"
	boardPostBestTrains = "post_best_trains"
	boardPostBestTests  = "post_best_tests"
)

// ModelBuilder constructs a fresh model for an architecture.
type ModelBuilder interface {
	Build(ctx context.Context, id arch.ID, dataset string) (training.Model, error)
}

// Oracle is the benchmark the search samples from and verifies against.
type Oracle interface {
	Size() int
	TestAccuracy(ctx context.Context, id arch.ID, dataset, profile string) (float64, error)
}

// SearchRequest carries everything one search run needs.
type SearchRequest struct {
	MaxModels            int
	RatioFastestDuration float64
	Loader               dataset.LoaderConfig
	// Trainer configures the conditional trainer.
	Trainer       training.Config
	FreezeTrainer training.Config
	PostTrainer   training.Config
}

func (r *SearchRequest) validate() error {
	switch {
	case r.MaxModels < 0:
		return fmt.Errorf("%w: max models must not be negative", ErrInvalidRequest)
	case !(r.RatioFastestDuration > 0) || math.IsInf(r.RatioFastestDuration, 0):
		return fmt.Errorf("%w: ratio of fastest duration must be a positive number", ErrInvalidRequest)
	case strings.TrimSpace(r.Loader.Dataset) == "":
		return fmt.Errorf("%w: dataset name is required", ErrInvalidRequest)
	}
	return nil
}

// Result is what a finished search reports. Leaderboards include their
// sentinel at index 0.
type Result struct {
	RunID           string              `json:"run_id"`
	Sampled         []arch.ID           `json:"sampled"`
	Abandoned       []arch.ID           `json:"abandoned"`
	BestTrains      []leaderboard.Entry `json:"best_trains"`
	BestTests       []leaderboard.Entry `json:"best_tests"`
	PostBestTests   []leaderboard.Entry `json:"post_best_tests"`
	BestTestOverall leaderboard.Entry   `json:"best_test_overall"`
	// FastestConditional is training.Unlimited when no architecture completed.
	FastestConditional time.Duration `json:"fastest_conditional"`
}

// Searcher runs searches. One search at a time.
type Searcher struct {
	builder   ModelBuilder
	oracle    Oracle
	loaders   *dataset.Cache
	rng       *rand.Rand
	clock     training.Clock
	publisher model.Publisher
	hpProfile string
	logger    logger.Logger

	mu       sync.RWMutex
	running  bool
	progress Progress
}

// NewSearcher wires the collaborators. The dataset provider is wrapped in a
// fingerprint-keyed cache owned by the searcher.
func NewSearcher(builder ModelBuilder, oracle Oracle, provider dataset.Provider, opts ...Option) *Searcher {
	s := &Searcher{
		builder:   builder,
		oracle:    oracle,
		loaders:   dataset.NewCache(provider),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // sampling, not security
		clock:     training.SystemClock(),
		publisher: model.NopPublisher{},
		hpProfile: defaultHPProfile,
		progress:  idleProgress(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("search")
	}
	return s
}

// run is the loop state of one search.
type run struct {
	id        string
	fastest   time.Duration
	best      *leaderboard.Pair
	post      []leaderboard.Entry
	overall   leaderboard.Entry
	sampled   []arch.ID
	abandoned []arch.ID
}

func (r *run) event(kind model.EventKind, id arch.ID) model.Event {
	return model.NewEvent(r.id, kind, id)
}

// Search samples req.MaxModels architectures and drives each through the
// conditional, freeze and promotion pipeline, re-ranking the leaderboard
// history after every architecture that survives the budget.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if !s.begin() {
		return nil, ErrAlreadyRunning
	}
	defer s.end()

	r := &run{
		id:      uuid.NewString(),
		fastest: training.Unlimited,
		best:    leaderboard.NewPair(boardBestTrains, boardBestTests),
		post:    []leaderboard.Entry{leaderboard.SentinelEntry()},
		overall: leaderboard.SentinelEntry(),
	}
	ctx, done := s.logger.Scope(ctx, "search")
	defer done()

	// Sampling happens before any training so an oversized request fails fast.
	ids, err := arch.Sample(s.rng, s.oracle.Size(), req.MaxModels)
	if err != nil {
		return nil, fmt.Errorf("sample architectures: %w", err)
	}
	r.sampled = ids
	metrics.RecordArchSampled(len(ids))
	s.resetProgress(r.id, len(ids))
	s.logger.Info(ctx, "search started",
		logger.String("run_id", r.id),
		logger.Int("max_num_models", req.MaxModels),
		logger.Float64("ratio_fastest_duration", req.RatioFastestDuration),
		logger.String("dataset", req.Loader.Dataset),
		logger.Int("search_space", s.oracle.Size()),
	)

	for _, id := range ids {
		if err := s.step(ctx, &req, r, id); err != nil {
			s.logger.Error(ctx, "search aborted", logger.Int("arch_id", int(id)), logger.Error(err))
			return nil, err
		}
	}

	res := &Result{
		RunID:              r.id,
		Sampled:            r.sampled,
		Abandoned:          r.abandoned,
		BestTrains:         r.best.Trains.All(),
		BestTests:          r.best.Tests.All(),
		PostBestTests:      r.post,
		BestTestOverall:    r.overall,
		FastestConditional: r.fastest,
	}
	finished := r.event(model.EventRunFinished, arch.Sentinel)
	finished.Score = r.best.Trains.Best().Score
	s.publish(ctx, finished)
	s.logger.Info(ctx, "search finished",
		logger.String("run_id", r.id),
		logger.Int("abandoned", len(r.abandoned)),
		logger.Any("best_test_overall", r.overall),
	)
	return res, nil
}

// step runs one architecture through the pipeline.
func (s *Searcher) step(ctx context.Context, req *SearchRequest, r *run, id arch.ID) error { //nolint:funlen // one pipeline, read top to bottom
	s.setCurrent(id)
	s.publish(ctx, r.event(model.EventSampled, id))

	timeAllowed := AllowedTime(req.RatioFastestDuration, r.fastest)
	metrics.UpdateTimeBudget(timeAllowed, timeAllowed != training.Unlimited)

	cctx, done := s.logger.Scope(ctx, fmt.Sprintf("conditional_training_%d", id))
	cond, err := s.fit(cctx, id, req.Loader.Dataset, req.Loader,
		training.NewConditionalTrainer(req.Trainer, timeAllowed, s.trainerOpts()...))
	if err != nil {
		done()
		return fmt.Errorf("conditional training arch %d: %w", id, err)
	}
	elapsed := cond.TotalTrainingTime()
	metrics.RecordConditionalDuration(elapsed)

	if elapsed >= timeAllowed {
		s.logger.Info(cctx, "exceeded time allowed, abandoning",
			logger.Int("arch_id", int(id)),
			logger.Duration("elapsed", elapsed),
			logger.Duration("time_allowed", timeAllowed),
		)
		done()
		r.abandoned = append(r.abandoned, id)
		metrics.RecordArchAbandoned()
		ev := r.event(model.EventAbandoned, id)
		ev.Duration, ev.TimeAllowed = elapsed, timeAllowed
		s.publish(ctx, ev)
		s.updateProgress(r, timeAllowed, true)
		return nil
	}
	if elapsed < r.fastest {
		r.fastest = elapsed
		s.logger.Info(cctx, "fastest conditional train so far", logger.Duration("fastest", r.fastest))
	}
	done()
	ev := r.event(model.EventConditionalDone, id)
	ev.Score, ev.Duration, ev.TimeAllowed = cond.BestValTop1(), elapsed, timeAllowed
	s.publish(ctx, ev)

	fctx, done := s.logger.Scope(ctx, fmt.Sprintf("freeze_training_%d", id))
	frozen, err := s.fit(fctx, id, req.Loader.Dataset, req.Loader.ForFreeze(),
		training.NewFreezeTrainer(req.FreezeTrainer, s.trainerOpts()...))
	done()
	if err != nil {
		return fmt.Errorf("freeze training arch %d: %w", id, err)
	}
	proxy := frozen.BestTrainTop1()
	metrics.RecordArchProcessed()
	ev = r.event(model.EventFreezeDone, id)
	ev.Score, ev.Duration = proxy, frozen.TotalTrainingTime()
	s.publish(ctx, ev)

	promoted, err := r.best.Promote(ctx, id, proxy, s.lookup(req.Loader.Dataset))
	if err != nil {
		return fmt.Errorf("promote arch %d: %w", id, err)
	}
	if promoted {
		verified := r.best.Tests.Best().Score
		metrics.RecordPromotion(boardBestTrains, proxy)
		metrics.RecordPromotion(boardBestTests, verified)
		ev = r.event(model.EventPromoted, id).WithTestAccuracy(verified)
		ev.Score = proxy
		s.publish(ctx, ev)
	}

	bctx, done := s.logger.Scope(ctx, fmt.Sprintf("best_trains_tests_%d", id))
	s.logger.Info(bctx, "leaderboards",
		logger.Any(boardBestTrains, r.best.Trains.All()),
		logger.Any(boardBestTests, r.best.Tests.All()),
		logger.Any("best_test_max", r.best.MaxTest()),
	)
	done()

	post, err := s.PostTrainTop(ctx, r.best.Trains.All(), req.Loader.Dataset, req.Loader, req.PostTrainer)
	if err != nil {
		return err
	}
	r.post = post
	r.overall = leaderboard.MaxEntry(post)

	pctx, done := s.logger.Scope(ctx, boardPostBestTests)
	s.logger.Info(pctx, "post training re-rank",
		logger.Any(boardPostBestTests, post),
		logger.Any("best_test_overall", r.overall),
	)
	done()

	s.updateProgress(r, timeAllowed, false)
	return nil
}

// fit builds a fresh model for id and runs tr over the loaders for cfg.
func (s *Searcher) fit(ctx context.Context, id arch.ID, ds string, cfg dataset.LoaderConfig, tr *training.Trainer) (*training.Metrics, error) {
	m, err := s.builder.Build(ctx, id, ds)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	loaders, err := s.loaders.GetData(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := tr.Fit(ctx, m, loaders)
	if err != nil {
		return nil, err
	}
	fields := []logger.Field{
		logger.String("kind", tr.Kind().String()),
		logger.String("state", res.State.String()),
		logger.Int("epochs", len(res.Epochs)),
		logger.Duration("elapsed", res.TotalTrainingTime()),
		logger.Float64("best_train_top1", res.BestTrainTop1()),
	}
	if tr.Kind() == training.KindConditional && tr.TimeAllowed() != training.Unlimited {
		fields = append(fields, logger.Duration("time_allowed", tr.TimeAllowed()))
	}
	s.logger.Info(ctx, "training done", fields...)
	return res, nil
}

func (s *Searcher) trainerOpts() []training.Option {
	return []training.Option{training.WithClock(s.clock), training.WithLogger(s.logger)}
}

func (s *Searcher) lookup(ds string) leaderboard.Lookup {
	return func(ctx context.Context, id arch.ID) (float64, error) {
		return s.oracle.TestAccuracy(ctx, id, ds, s.hpProfile)
	}
}

func (s *Searcher) publish(ctx context.Context, e model.Event) { //nolint:gocritic // hugeParam: value semantics
	if !s.publisher.Publish(ctx, e) {
		s.logger.Debug(ctx, "search event dropped", logger.String("kind", string(e.Kind)))
	}
}
