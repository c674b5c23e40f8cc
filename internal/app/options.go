package app

import (
	"math/rand"

	"github.com/okian/proxynas/internal/domain/model"
	"github.com/okian/proxynas/internal/domain/training"
	"github.com/okian/proxynas/pkg/logger"
)

// Option applies a configuration option to the Searcher.
type Option func(*Searcher)

// WithSeed seeds architecture sampling.
func WithSeed(seed int64) Option {
	return func(s *Searcher) {
		s.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible sampling, not security
	}
}

// WithClock replaces the clock handed to every trainer.
func WithClock(c training.Clock) Option {
	return func(s *Searcher) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPublisher sets where search events go.
func WithPublisher(p model.Publisher) Option {
	return func(s *Searcher) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithHPProfile selects the oracle hyperparameter profile.
func WithHPProfile(profile string) Option {
	return func(s *Searcher) {
		if profile != "" {
			s.hpProfile = profile
		}
	}
}

// WithLogger sets a custom logger for the searcher.
func WithLogger(l logger.Logger) Option {
	return func(s *Searcher) {
		if l != nil {
			s.logger = l
		}
	}
}
