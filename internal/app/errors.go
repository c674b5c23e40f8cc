package app

import "errors"

// Sentinel errors for the search.
var (
	ErrInvalidRequest = errors.New("invalid search request")
	ErrAlreadyRunning = errors.New("search already running")
)
