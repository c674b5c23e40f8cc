package repository

import (
	"time"

	"github.com/okian/proxynas/pkg/logger"
)

// MemoryOption applies a configuration option to the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the time source stamping results without UpdatedAt.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// GormOption applies a configuration option to the GormStore.
type GormOption func(*GormStore)

// WithAutoMigrate toggles schema migration on construction. Enabled by default.
func WithAutoMigrate(enabled bool) GormOption {
	return func(s *GormStore) { s.autoMigrate = enabled }
}

// WithGormLogger sets a custom logger for the store.
func WithGormLogger(l logger.Logger) GormOption {
	return func(s *GormStore) {
		if l != nil {
			s.logger = l
		}
	}
}
