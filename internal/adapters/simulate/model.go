package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/internal/domain/training"
)

// Default simulation parameters.
const (
	defaultEpochLatency = 20 * time.Millisecond
	defaultJitter       = 5 * time.Millisecond
	defaultProfile      = "200"

	// numCells matches the topology search space: three stages of five
	// cells separated by two reduction cells.
	numCells     = 17
	edgesPerCell = 6

	fallbackAccuracy = 0.5
)

// Oracle is the part of the benchmark the builder reads.
type Oracle interface {
	ArchString(id arch.ID) (string, error)
	TestAccuracy(ctx context.Context, id arch.ID, dataset, profile string) (float64, error)
}

// ModelBuilder builds simulated models. Two builds of the same architecture
// with the same seed behave identically.
type ModelBuilder struct {
	oracle       Oracle
	profile      string
	seed         int64
	epochLatency time.Duration
	jitter       time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// BuilderOption configures a ModelBuilder.
type BuilderOption func(*ModelBuilder)

// WithSeed sets the base seed mixed with the architecture id.
func WithSeed(seed int64) BuilderOption {
	return func(b *ModelBuilder) { b.seed = seed }
}

// WithProfile selects the benchmark profile the curves converge to.
func WithProfile(profile string) BuilderOption {
	return func(b *ModelBuilder) {
		if profile != "" {
			b.profile = profile
		}
	}
}

// WithEpochLatency sets the base time one epoch of a conv-free cell takes.
func WithEpochLatency(d time.Duration) BuilderOption {
	return func(b *ModelBuilder) {
		if d >= 0 {
			b.epochLatency = d
		}
	}
}

// WithJitter sets the maximum random latency added per epoch.
func WithJitter(d time.Duration) BuilderOption {
	return func(b *ModelBuilder) {
		if d >= 0 {
			b.jitter = d
		}
	}
}

// WithSleep replaces the latency wait, mostly for tests that drive a fake clock.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) BuilderOption {
	return func(b *ModelBuilder) {
		if fn != nil {
			b.sleep = fn
		}
	}
}

// NewModelBuilder creates a builder reading targets from o.
func NewModelBuilder(o Oracle, opts ...BuilderOption) *ModelBuilder {
	b := &ModelBuilder{
		oracle:       o,
		profile:      defaultProfile,
		epochLatency: defaultEpochLatency,
		jitter:       defaultJitter,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns a fresh model for id trained on ds.
func (b *ModelBuilder) Build(ctx context.Context, id arch.ID, ds string) (training.Model, error) {
	archStr, err := b.oracle.ArchString(id)
	if err != nil {
		return nil, fmt.Errorf("build arch %d: %w", id, err)
	}
	target := fallbackAccuracy
	if acc, err := b.oracle.TestAccuracy(ctx, id, ds, b.profile); err == nil {
		target = acc / 100
	}

	rng := rand.New(rand.NewSource(b.seed*1_000_003 + int64(id))) //nolint:gosec // simulation, not security
	convs := CountConvs(archStr)
	m := &Model{
		target: clamp(target, 0, 1),
		// tau controls how many epochs the curve needs to approach target.
		tau:     1 + rng.Float64()*4,
		latency: b.epochLatency * time.Duration(1+convs) / time.Duration(1+edgesPerCell/2),
		jitter:  b.jitter,
		rng:     rng,
		sleep:   b.sleep,
		params:  newParams(),
	}
	return m, nil
}

// CountConvs counts the convolution ops of a cell string.
func CountConvs(archStr string) int {
	return strings.Count(archStr, "conv")
}

// Param is a named simulated weight tensor.
type Param struct {
	name string
	grad bool
}

func (p *Param) Name() string           { return p.name }
func (p *Param) RequiresGrad() bool     { return p.grad }
func (p *Param) SetRequiresGrad(b bool) { p.grad = b }

func newParams() []*Param {
	params := []*Param{{name: "stem.0.weight", grad: true}, {name: "stem.1.weight", grad: true}}
	for c := 0; c < numCells; c++ {
		for e := 0; e < edgesPerCell; e++ {
			params = append(params, &Param{name: fmt.Sprintf("cells.%d.edges.%d.weight", c, e), grad: true})
		}
	}
	return append(params,
		&Param{name: "lastact.0.weight", grad: true},
		&Param{name: "logits_op.weight", grad: true},
		&Param{name: "logits_op.bias", grad: true},
	)
}

// Model is a simulated network. Progress is measured in epochs of training
// and is scaled by the share of trainable parameters.
type Model struct {
	target   float64
	tau      float64
	latency  time.Duration
	jitter   time.Duration
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
	params   []*Param
	progress float64
}

// Parameters implements training.Model.
func (m *Model) Parameters() []training.Parameter {
	out := make([]training.Parameter, len(m.params))
	for i, p := range m.params {
		out[i] = p
	}
	return out
}

// TrainStep advances the curve by one batch worth of an epoch.
func (m *Model) TrainStep(ctx context.Context, b dataset.Batch) (training.StepResult, error) {
	batches := batchesOf(b)
	wait := m.latency / time.Duration(batches)
	if m.jitter > 0 {
		wait += time.Duration(m.rng.Int63n(int64(m.jitter)+1)) / time.Duration(batches)
	}
	if err := m.sleep(ctx, wait); err != nil {
		return training.StepResult{}, err
	}
	m.progress += m.trainableShare() / float64(batches)
	acc := math.Min(1, m.accuracy()*1.05)
	return m.result(acc, b.Size), nil
}

// EvalStep reports the current curve value.
func (m *Model) EvalStep(_ context.Context, b dataset.Batch) (training.StepResult, error) {
	return m.result(m.accuracy(), b.Size), nil
}

func (m *Model) accuracy() float64 {
	return m.target * (1 - math.Exp(-m.progress/m.tau))
}

// trainableShare is 1 for a fully trainable model and at least 0.5 when
// most layers are frozen, since the unfrozen head adapts fastest.
func (m *Model) trainableShare() float64 {
	on := 0
	for _, p := range m.params {
		if p.grad {
			on++
		}
	}
	return 0.5 + 0.5*float64(on)/float64(len(m.params))
}

func (m *Model) result(acc float64, size int) training.StepResult {
	return training.StepResult{
		Loss:    -math.Log(math.Max(acc, 1e-3)),
		Correct: int(math.Round(acc * float64(size))),
		Count:   size,
	}
}

func batchesOf(b dataset.Batch) int {
	if s, ok := b.Payload.(Shard); ok && s.Batches > 0 {
		return s.Batches
	}
	return 1
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
