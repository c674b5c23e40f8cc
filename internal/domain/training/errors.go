package training

import "errors"

// Sentinel errors for training.
var (
	ErrDiverged         = errors.New("training diverged")
	ErrNothingTrainable = errors.New("no parameter matches the unfreeze identifiers")
	ErrNoData           = errors.New("loader has no batches")
	ErrInvalidConfig    = errors.New("invalid trainer config")
)
