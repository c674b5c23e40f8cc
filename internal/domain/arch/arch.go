// Package arch identifies candidate architectures and samples them from a
// benchmark search space.
package arch

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
)

// ID is a handle into the benchmark's index space.
type ID int

// Sentinel marks the seed entry of a leaderboard; it is never a real architecture.
const Sentinel ID = -1

// Sentinel errors for sampling.
var (
	ErrSamplingExhausted = errors.New("not enough architectures in search space")
	ErrInvalidCount      = errors.New("invalid sample count")
)

// IsSentinel reports whether id is the leaderboard sentinel.
func (id ID) IsSentinel() bool { return id == Sentinel }

func (id ID) String() string { return strconv.Itoa(int(id)) }

// Sample draws k distinct ids uniformly from [0, size) without replacement.
// The returned order is the draw order.
func Sample(rng *rand.Rand, size, k int) ([]ID, error) {
	if k < 0 || size < 0 {
		return nil, fmt.Errorf("%w: k=%d size=%d", ErrInvalidCount, k, size)
	}
	if k > size {
		return nil, fmt.Errorf("%w: requested %d of %d", ErrSamplingExhausted, k, size)
	}

	// Partial Fisher-Yates over a sparse swap table, so memory is O(k)
	// even for search spaces with tens of thousands of entries.
	swapped := make(map[int]int, k)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	out := make([]ID, k)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(size-i)
		vi, vj := at(i), at(j)
		swapped[i], swapped[j] = vj, vi
		out[i] = ID(vj)
	}
	return out, nil
}
