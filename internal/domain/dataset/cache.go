package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/okian/proxynas/pkg/metrics"
)

// Fingerprint hashes the resolved loader parameters. Structurally equal
// configs share a fingerprint no matter where they were built.
func Fingerprint(cfg LoaderConfig) string {
	// encoding/json emits struct fields in declaration order, which makes
	// the encoding canonical for this flat struct.
	raw, err := json.Marshal(cfg)
	if err != nil {
		// Only NaN/Inf ratios fail to encode; fall back to %v.
		raw = []byte(fmt.Sprintf("%#v", cfg))
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

// Cache memoizes a Provider by configuration fingerprint.
type Cache struct {
	provider Provider

	mu      sync.Mutex
	entries map[string]Loaders
}

// NewCache wraps provider.
func NewCache(provider Provider) *Cache {
	return &Cache{provider: provider, entries: make(map[string]Loaders)}
}

// GetData returns the cached pair for cfg, building it on first use.
func (c *Cache) GetData(ctx context.Context, cfg LoaderConfig) (Loaders, error) {
	key := Fingerprint(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.entries[key]; ok {
		metrics.RecordLoaderCache(true)
		return l, nil
	}
	metrics.RecordLoaderCache(false)

	l, err := c.provider.GetData(ctx, cfg)
	if err != nil {
		return Loaders{}, fmt.Errorf("get data %s: %w", cfg.Dataset, err)
	}
	c.entries[key] = l
	return l, nil
}

// Len returns the number of cached loader pairs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
