// Package training runs models over loader pairs.
//
// Three trainer variants share one Fit capability: the regular trainer runs a
// fixed number of epochs, the conditional trainer stops once validation top-1
// reaches a threshold or its time budget is spent, and the freeze trainer
// trains only the parameters matching configured identifiers.
package training

import (
	"context"

	"github.com/okian/proxynas/internal/domain/dataset"
)

// Parameter is one named trainable tensor of a model.
type Parameter interface {
	Name() string
	RequiresGrad() bool
	SetRequiresGrad(bool)
}

// StepResult summarises one batch.
type StepResult struct {
	Loss    float64
	Correct int
	Count   int
}

// Model is the trainable instance built for one architecture. It is owned by
// the trainer running it and discarded afterwards.
type Model interface {
	Parameters() []Parameter
	// TrainStep runs forward, loss, backward and an optimizer step that
	// touches only parameters with RequiresGrad set.
	TrainStep(ctx context.Context, b dataset.Batch) (StepResult, error)
	// EvalStep runs forward and loss without updating parameters.
	EvalStep(ctx context.Context, b dataset.Batch) (StepResult, error)
}
