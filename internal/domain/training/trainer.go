package training

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

// Unlimited is the budget of a conditional trainer before any baseline exists.
const Unlimited time.Duration = math.MaxInt64

// Kind tags a trainer variant.
type Kind int

const (
	KindRegular Kind = iota
	KindConditional
	KindFreeze
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindConditional:
		return "conditional"
	case KindFreeze:
		return "freeze"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// State is where a Fit stopped.
type State int

const (
	StateRunning State = iota
	// StateCompleted means every configured epoch ran.
	StateCompleted
	// StateConverged means validation top-1 reached the threshold.
	StateConverged
	// StateBudgetExceeded means accumulated training time reached the budget.
	StateBudgetExceeded
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateConverged:
		return "converged"
	case StateBudgetExceeded:
		return "budget_exceeded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds the knobs of every variant; each variant reads its own.
type Config struct {
	Epochs int
	// Top1AccThreshold stops a conditional trainer once validation top-1 reaches it.
	Top1AccThreshold float64
	// IdentifiersToUnfreeze selects the parameters a freeze trainer trains:
	// a parameter stays trainable when its name contains any identifier.
	IdentifiersToUnfreeze []string
}

// Trainer fits a model. Variants are built with NewTrainer,
// NewConditionalTrainer and NewFreezeTrainer.
type Trainer struct {
	kind        Kind
	cfg         Config
	timeAllowed time.Duration
	clock       Clock
	logger      logger.Logger
}

// Option applies a configuration option to a Trainer.
type Option func(*Trainer)

// WithClock replaces the monotonic clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(t *Trainer) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets a custom logger for the trainer.
func WithLogger(l logger.Logger) Option {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}

func newTrainer(kind Kind, cfg Config, timeAllowed time.Duration, opts ...Option) *Trainer {
	t := &Trainer{
		kind:        kind,
		cfg:         cfg,
		timeAllowed: timeAllowed,
		clock:       SystemClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Get().Named("trainer")
	}
	return t
}

// NewTrainer returns the regular trainer: fixed epochs, no early termination.
func NewTrainer(cfg Config, opts ...Option) *Trainer {
	return newTrainer(KindRegular, cfg, Unlimited, opts...)
}

// NewConditionalTrainer returns a trainer that stops once validation top-1
// reaches cfg.Top1AccThreshold or once accumulated training time reaches
// timeAllowed. The budget is checked between epochs only, so the last epoch
// may overshoot it.
func NewConditionalTrainer(cfg Config, timeAllowed time.Duration, opts ...Option) *Trainer {
	if timeAllowed <= 0 {
		timeAllowed = 0
	}
	return newTrainer(KindConditional, cfg, timeAllowed, opts...)
}

// NewFreezeTrainer returns a trainer that freezes every parameter except the
// ones matching cfg.IdentifiersToUnfreeze and runs cfg.Epochs epochs.
func NewFreezeTrainer(cfg Config, opts ...Option) *Trainer {
	return newTrainer(KindFreeze, cfg, Unlimited, opts...)
}

// Kind returns the variant tag.
func (t *Trainer) Kind() Kind { return t.kind }

// TimeAllowed returns the budget, Unlimited for non-conditional trainers.
func (t *Trainer) TimeAllowed() time.Duration { return t.timeAllowed }

// Fit trains model over loaders. Errors from any batch abort the fit and are
// returned wrapped with the epoch; cancellation is observed between epochs.
func (t *Trainer) Fit(ctx context.Context, model Model, loaders dataset.Loaders) (*Metrics, error) {
	if t.cfg.Epochs < 1 {
		return nil, fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	}
	if loaders.Train == nil || loaders.Val == nil {
		return nil, fmt.Errorf("%s fit: %w", t.kind, ErrNoData)
	}
	if err := t.prepare(model.Parameters()); err != nil {
		return nil, err
	}

	m := &Metrics{Kind: t.kind, State: StateRunning}
	var elapsed time.Duration

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			metrics.RecordTrainerFailure(t.kind.String())
			return nil, fmt.Errorf("%s fit before epoch %d: %w", t.kind, epoch, err)
		}

		epochStart := t.clock.Now()
		train, err := runPass(ctx, loaders.Train, model.TrainStep)
		if err != nil {
			metrics.RecordTrainerFailure(t.kind.String())
			return nil, fmt.Errorf("%s epoch %d train: %w", t.kind, epoch, err)
		}
		val, err := runPass(ctx, loaders.Val, model.EvalStep)
		if err != nil {
			metrics.RecordTrainerFailure(t.kind.String())
			return nil, fmt.Errorf("%s epoch %d validation: %w", t.kind, epoch, err)
		}

		em := EpochMetrics{
			Index:     epoch,
			TrainTop1: train.top1(),
			TrainLoss: train.meanLoss(),
			ValTop1:   val.top1(),
			ValLoss:   val.meanLoss(),
			Duration:  t.clock.Since(epochStart),
		}
		m.Epochs = append(m.Epochs, em)
		elapsed += em.Duration
		metrics.RecordTrainerEpoch(t.kind.String())

		t.logger.Debug(ctx, "epoch done",
			logger.String("kind", t.kind.String()),
			logger.Int("epoch", epoch),
			logger.Float64("train_top1", em.TrainTop1),
			logger.Float64("val_top1", em.ValTop1),
			logger.Duration("duration", em.Duration),
		)

		if t.kind == KindConditional {
			if elapsed >= t.timeAllowed {
				m.State = StateBudgetExceeded
				break
			}
			if em.ValTop1 >= t.cfg.Top1AccThreshold {
				m.State = StateConverged
				break
			}
		}
	}

	if m.State == StateRunning {
		m.State = StateCompleted
	}
	metrics.RecordTrainerFit(t.kind.String(), m.State.String(), elapsed)
	return m, nil
}

// prepare sets which parameters train for this variant.
func (t *Trainer) prepare(params []Parameter) error {
	if t.kind != KindFreeze {
		for _, p := range params {
			p.SetRequiresGrad(true)
		}
		return nil
	}

	trainable := 0
	for _, p := range params {
		on := matchesAny(p.Name(), t.cfg.IdentifiersToUnfreeze)
		p.SetRequiresGrad(on)
		if on {
			trainable++
		}
	}
	if trainable == 0 {
		return fmt.Errorf("%w: %v", ErrNothingTrainable, t.cfg.IdentifiersToUnfreeze)
	}
	return nil
}

func matchesAny(name string, identifiers []string) bool {
	for _, id := range identifiers {
		if id != "" && strings.Contains(name, id) {
			return true
		}
	}
	return false
}

// passTotals accumulates one pass over a loader.
type passTotals struct {
	weightedLoss float64
	correct      int
	count        int
}

func (p passTotals) top1() float64 {
	if p.count == 0 {
		return 0
	}
	return float64(p.correct) / float64(p.count)
}

func (p passTotals) meanLoss() float64 {
	if p.count == 0 {
		return 0
	}
	return p.weightedLoss / float64(p.count)
}

func runPass(ctx context.Context, l dataset.Loader, step func(context.Context, dataset.Batch) (StepResult, error)) (passTotals, error) {
	var totals passTotals
	n := l.NumBatches()
	if n < 1 {
		return totals, ErrNoData
	}
	for i := 0; i < n; i++ {
		b, err := l.Batch(ctx, i)
		if err != nil {
			return totals, fmt.Errorf("batch %d: %w", i, err)
		}
		res, err := step(ctx, b)
		if err != nil {
			return totals, fmt.Errorf("batch %d: %w", i, err)
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return totals, fmt.Errorf("batch %d: %w (loss=%v)", i, ErrDiverged, res.Loss)
		}
		totals.weightedLoss += res.Loss * float64(res.Count)
		totals.correct += res.Correct
		totals.count += res.Count
	}
	return totals, nil
}
