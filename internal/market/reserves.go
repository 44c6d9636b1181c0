package market

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"arbscan/internal/metrics"
	"arbscan/internal/rpc"
)

const (
	reservesBatchSize = 30
	interBatchGap     = time.Second
)

var getReservesSelector = crypto.Keccak256([]byte("getReserves()"))[:4]

// Reserves is one pool's cycle-local state. Token0/Token1 are filled from
// candidate metadata or the resolver, never from getReserves itself.
type Reserves struct {
	Pair     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	Token0   common.Address
	Token1   common.Address
}

// ReservesFetcher batch-reads getReserves() across a set of pair addresses.
// Batches run sequentially with a fixed gap; the size is a rate-limit
// posture, not a call-semantics constraint.
type ReservesFetcher struct {
	fetcher *rpc.BatchFetcher
	metrics *metrics.Metrics
}

// NewReservesFetcher wraps a batch fetcher.
func NewReservesFetcher(fetcher *rpc.BatchFetcher, m *metrics.Metrics) *ReservesFetcher {
	return &ReservesFetcher{fetcher: fetcher, metrics: m}
}

// FetchAll reads reserves for every unique pair address. The result holds an
// entry for every pair whose call returned a well-formed record with both
// reserves positive; everything else is simply absent.
func (f *ReservesFetcher) FetchAll(ctx context.Context, pairs []common.Address) (map[common.Address]*Reserves, error) {
	unique := dedupe(pairs)
	out := make(map[common.Address]*Reserves, len(unique))

	for start := 0; start < len(unique); start += reservesBatchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interBatchGap):
			}
		}
		end := min(start+reservesBatchSize, len(unique))
		group := unique[start:end]

		calls := make([]rpc.CallRequest, len(group))
		for i, pair := range group {
			calls[i] = rpc.CallRequest{To: pair, Data: getReservesSelector}
		}

		results, err := f.fetcher.Fetch(ctx, calls)
		if err != nil {
			return nil, fmt.Errorf("fetching reserves: %w", err)
		}

		for i, res := range results {
			if res.Err != nil {
				log.Debug().Str("pair", group[i].Hex()).Err(res.Err).Msg("getReserves failed")
				continue
			}
			r, err := DecodeReserves(group[i], res.Data)
			if err != nil {
				log.Debug().Str("pair", group[i].Hex()).Err(err).Msg("getReserves decode failed")
				continue
			}
			out[group[i]] = r
		}
	}

	if f.metrics != nil {
		f.metrics.PairsTracked.Set(float64(len(unique)))
	}
	return out, nil
}

// DecodeReserves interprets the return data of getReserves(). The first two
// 32-byte words carry reserve0 and reserve1 (uint112). A record with a zero
// reserve on either side is rejected: the pool is not live.
func DecodeReserves(pair common.Address, data []byte) (*Reserves, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("reserves return too short: %d bytes", len(data))
	}
	r0 := new(big.Int).SetBytes(data[0:32])
	r1 := new(big.Int).SetBytes(data[32:64])
	if r0.Sign() <= 0 || r1.Sign() <= 0 {
		return nil, fmt.Errorf("pool %s has empty reserves", pair.Hex())
	}
	return &Reserves{Pair: pair, Reserve0: r0, Reserve1: r1}, nil
}

func dedupe(pairs []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(pairs))
	out := make([]common.Address, 0, len(pairs))
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
