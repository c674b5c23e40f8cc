// Package leaderboard keeps append-only "best so far" records.
//
// A board is seeded with a sentinel scored at negative infinity and only ever
// grows: an entry is appended when its score strictly exceeds the tail, so
// scores are strictly increasing in append order and the tail is the
// incumbent best. The verified twin of a Pair is the exception: it mirrors
// its proxy board position by position and carries no ordering of its own.
package leaderboard

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/proxynas/internal/domain/arch"
)

// Entry pairs an architecture with a score.
type Entry struct {
	ArchID arch.ID `json:"arch_id"`
	Score  float64 `json:"score"`
}

// IsSentinel reports whether e is the seed entry.
func (e Entry) IsSentinel() bool { return e.ArchID.IsSentinel() }

// SentinelEntry is the seed of every board.
func SentinelEntry() Entry {
	return Entry{ArchID: arch.Sentinel, Score: math.Inf(-1)}
}

// Board is an append-only best-so-far list. Not safe for concurrent use.
type Board struct {
	name    string
	entries []Entry
}

// New returns a board holding only the sentinel.
func New(name string) *Board {
	return &Board{name: name, entries: []Entry{SentinelEntry()}}
}

// Name returns the board label used in logs and metrics.
func (b *Board) Name() string { return b.name }

// Offer appends (id, score) when score strictly exceeds the current best.
// NaN never qualifies.
func (b *Board) Offer(id arch.ID, score float64) bool {
	if !(score > b.Best().Score) {
		return false
	}
	b.entries = append(b.entries, Entry{ArchID: id, Score: score})
	return true
}

// Best returns the tail, which is the sentinel on an empty board.
func (b *Board) Best() Entry {
	return b.entries[len(b.entries)-1]
}

// Len counts real entries.
func (b *Board) Len() int {
	return len(b.entries) - 1
}

// Entries returns a copy of the real entries in append order.
func (b *Board) Entries() []Entry {
	out := make([]Entry, len(b.entries)-1)
	copy(out, b.entries[1:])
	return out
}

// All returns a copy including the sentinel at index 0.
func (b *Board) All() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Lookup resolves the verified score of an architecture being promoted.
type Lookup func(ctx context.Context, id arch.ID) (float64, error)

// Pair keeps a proxy-scored board and its oracle-scored twin in positional
// lockstep: index i of Tests is the verified score of index i of Trains.
type Pair struct {
	Trains *Board
	Tests  *Board
}

// NewPair seeds both boards.
func NewPair(trainsName, testsName string) *Pair {
	return &Pair{Trains: New(trainsName), Tests: New(testsName)}
}

// Promote offers proxy to Trains; on improvement it resolves the verified
// score through lookup and appends it to Tests unconditionally, keeping the
// two boards aligned even when the verified score does not improve. The
// lookup runs before either board changes, so a failed lookup leaves the
// pair untouched and the call can be retried.
func (p *Pair) Promote(ctx context.Context, id arch.ID, proxy float64, lookup Lookup) (bool, error) {
	if !(proxy > p.Trains.Best().Score) {
		return false, nil
	}
	verified, err := lookup(ctx, id)
	if err != nil {
		return false, fmt.Errorf("verify arch %d: %w", id, err)
	}
	p.Trains.Offer(id, proxy)
	p.Tests.entries = append(p.Tests.entries, Entry{ArchID: id, Score: verified})
	return true, nil
}

// MaxTest returns the highest verified entry, the sentinel if none exist.
func (p *Pair) MaxTest() Entry {
	return MaxEntry(p.Tests.All())
}

// MaxEntry returns the highest-scoring entry; ties keep the earliest.
func MaxEntry(entries []Entry) Entry {
	best := SentinelEntry()
	for _, e := range entries {
		if e.Score > best.Score {
			best = e
		}
	}
	return best
}
