package token

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"arbscan/internal/metrics"
	"arbscan/internal/rpc"
)

const (
	// DefaultDecimals is stored for any token whose decimals() call fails,
	// so the miss is never refetched.
	DefaultDecimals = 18

	maxDecimals = 36
	fetchBatch  = 100
)

var decimalsSelector = crypto.Keccak256([]byte("decimals()"))[:4]

// DecimalsCache maps lowercase token addresses to their decimals() value.
// The cache is authoritative after the first successful read and is backed
// by a JSON file that survives restarts.
type DecimalsCache struct {
	path    string
	fetcher *rpc.BatchFetcher
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]int
	dirty   bool
}

// NewDecimalsCache loads the backing file if it exists.
func NewDecimalsCache(path string, fetcher *rpc.BatchFetcher, m *metrics.Metrics) (*DecimalsCache, error) {
	c := &DecimalsCache{
		path:    path,
		fetcher: fetcher,
		metrics: m,
		entries: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading decimals cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parsing decimals cache: %w", err)
	}
	log.Info().Int("tokens", len(c.entries)).Str("path", path).Msg("Decimals cache loaded")
	return c, nil
}

// Get returns the cached decimals for an address.
func (c *DecimalsCache) Get(addr common.Address) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[key(addr)]
	return d, ok
}

// GetOrDefault returns the cached decimals, or DefaultDecimals on a miss.
func (c *DecimalsCache) GetOrDefault(addr common.Address) int {
	if d, ok := c.Get(addr); ok {
		return d
	}
	return DefaultDecimals
}

// Len returns the number of cached entries.
func (c *DecimalsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ensure fetches decimals() for every address not yet cached, in batches.
// Per-element failures are cached as DefaultDecimals so they are not
// refetched. The backing file is rewritten when anything was fetched.
func (c *DecimalsCache) Ensure(ctx context.Context, addrs []common.Address) error {
	var misses []common.Address
	c.mu.RLock()
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		k := key(addr)
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := c.entries[k]; !ok {
			misses = append(misses, addr)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return nil
	}

	for start := 0; start < len(misses); start += fetchBatch {
		end := min(start+fetchBatch, len(misses))
		if err := c.fetchBatch(ctx, misses[start:end]); err != nil {
			return err
		}
	}

	if err := c.Flush(); err != nil {
		return err
	}
	log.Debug().Int("fetched", len(misses)).Msg("Decimals cache updated")
	return nil
}

func (c *DecimalsCache) fetchBatch(ctx context.Context, addrs []common.Address) error {
	calls := make([]rpc.CallRequest, len(addrs))
	for i, addr := range addrs {
		calls[i] = rpc.CallRequest{To: addr, Data: decimalsSelector}
	}

	results, err := c.fetcher.Fetch(ctx, calls)
	if err != nil {
		return fmt.Errorf("fetching decimals: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, res := range results {
		d := DefaultDecimals
		if res.Err == nil {
			d = decodeDecimals(res.Data)
		} else {
			log.Debug().
				Str("token", addrs[i].Hex()).
				Err(res.Err).
				Msg("decimals() failed, caching default")
		}
		c.entries[key(addrs[i])] = d
		c.dirty = true
		if c.metrics != nil {
			c.metrics.DecimalsFetches.Inc()
		}
	}
	return nil
}

// decodeDecimals interprets a decimals() return word.
func decodeDecimals(data []byte) int {
	if len(data) == 0 || len(data) > 32 {
		return DefaultDecimals
	}
	v := new(big.Int).SetBytes(data)
	if !v.IsInt64() {
		return DefaultDecimals
	}
	d := int(v.Int64())
	if d < 0 || d > maxDecimals {
		return DefaultDecimals
	}
	return d
}

// Flush rewrites the backing file atomically when the cache changed.
func (c *DecimalsCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding decimals cache: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating cache dir: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing decimals cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing decimals cache: %w", err)
	}
	c.dirty = false
	return nil
}

func key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
