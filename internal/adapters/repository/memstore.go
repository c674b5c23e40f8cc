package repository

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Ordering: score DESC, then arch id ASC (deterministic). "less" means
// ranks earlier, so in-order traversal yields the leaderboard from best to
// worst. Subtree sizes give ranks in O(log n).

type node struct {
	id    arch.ID
	score float64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aID) should appear before (bScore, bID).
func less(aScore float64, aID arch.ID, bScore float64, bID arch.ID) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

// priority hashes the id so the tree shape does not depend on insertion order.
func priority(id arch.ID) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return xxhash.Sum64(buf[:])
}

func insert(n *node, id arch.ID, score float64) *node {
	if n == nil {
		return &node{id: id, score: score, prio: priority(id), size: 1}
	}
	if less(score, id, n.score, n.id) {
		n.left = insert(n.left, id, score)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, score)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func remove(n *node, id arch.ID, score float64) *node {
	if n == nil {
		return nil
	}
	switch {
	case score == n.score && id == n.id:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = remove(n.right, id, score)
		} else {
			n = rotateLeft(n)
			n.left = remove(n.left, id, score)
		}
	case less(score, id, n.score, n.id):
		n.left = remove(n.left, id, score)
	default:
		n.right = remove(n.right, id, score)
	}
	fix(n)
	return n
}

// position counts the nodes ranked before (score, id).
func position(n *node, id arch.ID, score float64) int {
	pos := 0
	for n != nil {
		switch {
		case score == n.score && id == n.id:
			return pos + nsize(n.left)
		case less(score, id, n.score, n.id):
			n = n.left
		default:
			pos += nsize(n.left) + 1
			n = n.right
		}
	}
	return pos
}

func collectTopN(n *node, limit int, byID map[arch.ID]Result, out *[]Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, byID, out)
	if len(*out) < limit {
		*out = append(*out, Entry{Rank: len(*out) + 1, Result: byID[n.id]})
	}
	collectTopN(n.right, limit, byID, out)
}

// MemoryStore keeps results in a treap guarded by a RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	root *node
	byID map[arch.ID]Result
	now  func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID: make(map[arch.ID]Result),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.UpdateStoredArchs(0)
	return s
}

// Record implements Store.Record in O(log n) expected time.
func (s *MemoryStore) Record(_ context.Context, r Result) (bool, error) { //nolint:gocritic // hugeParam: value semantics
	if !validScore(r.Score) {
		return false, ErrInvalidScore
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[r.ArchID]
	if !ok {
		s.byID[r.ArchID] = r
		s.root = insert(s.root, r.ArchID, r.Score)
		metrics.UpdateStoredArchs(len(s.byID))
		return true, nil
	}

	oldScore := current.Score
	improved, changed := merge(&current, r)
	if !changed {
		return false, nil
	}
	if improved {
		s.root = remove(s.root, r.ArchID, oldScore)
		s.root = insert(s.root, r.ArchID, current.Score)
	}
	s.byID[r.ArchID] = current
	return improved, nil
}

// Rank returns the current rank of id in O(log n).
func (s *MemoryStore) Rank(_ context.Context, id arch.ID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Rank: position(s.root, id, r.Score) + 1, Result: r}, nil
}

// TopN returns the top n entries.
func (s *MemoryStore) TopN(_ context.Context, n int) ([]Entry, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, min(n, len(s.byID)))
	collectTopN(s.root, n, s.byID, &out)
	return out, nil
}

// Count returns the number of architectures.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
