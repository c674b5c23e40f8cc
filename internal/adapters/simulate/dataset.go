// Package simulate provides stand-in collaborators for running the search
// without a tensor stack: a synthetic dataset provider and a model builder
// whose accuracy curves converge towards the benchmark accuracy of each
// architecture.
package simulate

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/proxynas/internal/domain/dataset"
)

const defaultSamples = 4096

// knownDatasets are the datasets recorded by the benchmark.
var knownDatasets = map[string]bool{
	"cifar10":        true,
	"cifar100":       true,
	"imagenet16-120": true,
}

// Shard is the payload of a synthetic batch.
type Shard struct {
	// Batches is the number of batches in the loader the shard came from.
	Batches int
	Split   string
}

// Provider produces index-addressed synthetic loaders.
type Provider struct {
	samples int
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithSamples sets the number of samples split between train and validation.
func WithSamples(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.samples = n
		}
	}
}

// NewProvider creates a synthetic dataset provider.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{samples: defaultSamples}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetData splits the sample count by cfg.ValRatio and batches each side.
func (p *Provider) GetData(ctx context.Context, cfg dataset.LoaderConfig) (dataset.Loaders, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Loaders{}, err
	}
	if !knownDatasets[strings.ToLower(cfg.Dataset)] {
		return dataset.Loaders{}, fmt.Errorf("%w: %q", dataset.ErrUnknownDataset, cfg.Dataset)
	}
	if cfg.TrainBatch < 1 || cfg.ValBatch < 1 {
		return dataset.Loaders{}, fmt.Errorf("batch sizes must be positive: train=%d val=%d", cfg.TrainBatch, cfg.ValBatch)
	}
	val := int(float64(p.samples) * cfg.ValRatio)
	if val < 1 {
		val = 1
	}
	train := p.samples - val
	if train < 1 {
		train = 1
	}
	return dataset.Loaders{
		Train: newLoader("train", train, cfg.TrainBatch),
		Val:   newLoader("val", val, cfg.ValBatch),
	}, nil
}

type loader struct {
	split   string
	samples int
	batch   int
	n       int
}

func newLoader(split string, samples, batch int) *loader {
	return &loader{split: split, samples: samples, batch: batch, n: (samples + batch - 1) / batch}
}

func (l *loader) NumBatches() int { return l.n }

func (l *loader) Batch(_ context.Context, i int) (dataset.Batch, error) {
	if i < 0 || i >= l.n {
		return dataset.Batch{}, fmt.Errorf("%w: %d of %d", dataset.ErrBatchOutOfRange, i, l.n)
	}
	size := l.batch
	if rest := l.samples - i*l.batch; rest < size {
		size = rest
	}
	return dataset.Batch{Index: i, Size: size, Payload: Shard{Batches: l.n, Split: l.split}}, nil
}
