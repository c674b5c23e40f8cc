// Package repository persists per-architecture search results and serves
// them ranked.
package repository

import (
	"context"
	"math"
	"time"

	"github.com/okian/proxynas/internal/domain/arch"
)

// Result is the best known outcome of one architecture.
type Result struct {
	ArchID arch.ID `json:"arch_id"`
	RunID  string  `json:"run_id"`
	// Score is the proxy score (freeze training best train top-1).
	Score float64 `json:"score"`
	// TestAccuracy is the oracle accuracy, known once the architecture was promoted.
	TestAccuracy *float64  `json:"test_accuracy,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Entry represents a leaderboard row. Rank is the 1-based position in
// score desc, arch id asc order.
type Entry struct {
	Rank int `json:"rank"`
	Result
}

// Store provides read/write access to the result state.
type Store interface {
	// Record keeps r when its score beats the stored one for the same
	// architecture and returns true in that case. A result that does not
	// improve the score may still attach a missing test accuracy.
	Record(ctx context.Context, r Result) (bool, error)

	// Rank returns the current rank of an architecture.
	// Returns ErrNotFound if the architecture is unknown.
	Rank(ctx context.Context, id arch.ID) (Entry, error)

	// TopN returns the top-N entries ordered by score desc.
	TopN(ctx context.Context, n int) ([]Entry, error)

	// Count returns the number of architectures tracked.
	Count(ctx context.Context) (int, error)

	Close() error
}

func validScore(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// merge applies incoming to current and reports whether the score improved.
func merge(current *Result, incoming Result) (improved, changed bool) { //nolint:gocritic // hugeParam: value semantics
	if incoming.Score > current.Score {
		acc := current.TestAccuracy
		if incoming.TestAccuracy != nil {
			acc = incoming.TestAccuracy
		}
		*current = incoming
		current.TestAccuracy = acc
		return true, true
	}
	if current.TestAccuracy == nil && incoming.TestAccuracy != nil {
		v := *incoming.TestAccuracy
		current.TestAccuracy = &v
		current.UpdatedAt = incoming.UpdatedAt
		return false, true
	}
	return false, false
}
