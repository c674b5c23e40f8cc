package oracle

import "github.com/pkg/errors"

// Sentinel errors for oracle lookups.
var (
	ErrUnknownArch    = errors.New("unknown architecture")
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrUnknownProfile = errors.New("unknown hyperparameter profile")
	ErrMalformedTable = errors.New("malformed benchmark table")
)
