// Package dataset defines the loader contract consumed by trainers and the
// fingerprint-keyed cache the search owns.
package dataset

import (
	"context"
	"errors"
)

// Sentinel errors for loaders.
var (
	ErrBatchOutOfRange = errors.New("batch index out of range")
	ErrUnknownDataset  = errors.New("unknown dataset")
)

// LoaderConfig is the resolved set of parameters that determine a loader pair.
type LoaderConfig struct {
	DataRoot   string  `json:"dataroot"`
	Dataset    string  `json:"dataset"`
	TrainBatch int     `json:"train_batch"`
	ValBatch   int     `json:"val_batch"`
	ValRatio   float64 `json:"val_ratio"`
	Seed       int64   `json:"seed"`

	// FreezeTrainBatch is the train batch used by freeze training.
	FreezeTrainBatch int `json:"freeze_train_batch"`
}

// ForFreeze returns a copy whose train batch is the freeze train batch.
func (c LoaderConfig) ForFreeze() LoaderConfig {
	c.TrainBatch = c.FreezeTrainBatch
	return c
}

// Batch is one unit of work. Payload is opaque to the trainers and is
// interpreted by the model that consumes it.
type Batch struct {
	Index   int
	Size    int
	Payload any
}

// Loader is an index-addressed batch source.
type Loader interface {
	NumBatches() int
	Batch(ctx context.Context, i int) (Batch, error)
}

// Loaders is the train/validation pair returned by a Provider.
type Loaders struct {
	Train Loader
	Val   Loader
}

// Provider constructs loaders for a configuration.
type Provider interface {
	GetData(ctx context.Context, cfg LoaderConfig) (Loaders, error)
}
