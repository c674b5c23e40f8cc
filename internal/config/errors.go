package config

import "errors"

var (
	// ErrInvalidConfig marks a setting the search cannot run with.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig marks a config file or environment that could not be read.
	ErrLoadConfig = errors.New("load config failed")
)
