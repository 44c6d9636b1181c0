package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"arbscan/internal/metrics"
)

const (
	maxBatchRetries = 3
	maxSplitDepth   = 3
	minSplitSize    = 2
	maxBackoff      = 10 * time.Second
)

// CallRequest is one logical eth_call.
type CallRequest struct {
	To   common.Address
	Data []byte
}

// CallResult is the outcome for one CallRequest, aligned by index.
type CallResult struct {
	Data []byte
	Err  error
}

// errEmptyResult marks an element whose call returned no data.
var errEmptyResult = errors.New("rpc: empty call result")

// BatchFetcher groups eth_call requests into array payloads. A batch that
// yields nothing usable is split in half and the halves run in parallel,
// isolating a single bad address that would otherwise poison the batch.
// Rate limits and timeouts back off and retry on a rotated endpoint.
type BatchFetcher struct {
	client  *Client
	metrics *metrics.Metrics
}

// NewBatchFetcher wraps a rotating client.
func NewBatchFetcher(client *Client, m *metrics.Metrics) *BatchFetcher {
	return &BatchFetcher{client: client, metrics: m}
}

// Fetch executes all calls and returns one result per input, in input order.
func (f *BatchFetcher) Fetch(ctx context.Context, calls []CallRequest) ([]CallResult, error) {
	results := make([]CallResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	if err := f.fetch(ctx, calls, results, 0); err != nil {
		return nil, err
	}
	return results, nil
}

func (f *BatchFetcher) fetch(ctx context.Context, calls []CallRequest, results []CallResult, depth int) error {
	batchErr := f.callWithRetry(ctx, calls, results)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if batchErr == nil {
		for i := range results {
			if results[i].Err == nil {
				return nil
			}
		}
	}

	// Nothing usable: split if there is room, otherwise surface per-element.
	if len(calls) > minSplitSize && depth < maxSplitDepth {
		if f.metrics != nil {
			f.metrics.BatchSplits.Inc()
		}
		mid := len(calls) / 2
		log.Debug().
			Int("size", len(calls)).
			Int("depth", depth).
			Msg("Splitting failed batch")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return f.fetch(gctx, calls[:mid], results[:mid], depth+1)
		})
		g.Go(func() error {
			return f.fetch(gctx, calls[mid:], results[mid:], depth+1)
		})
		return g.Wait()
	}

	if batchErr != nil {
		for i := range results {
			results[i] = CallResult{Err: batchErr}
		}
	}
	return nil
}

// callWithRetry issues one array payload, retrying on rate limit or timeout
// with exponential backoff. Each retry runs on a freshly rotated endpoint.
func (f *BatchFetcher) callWithRetry(ctx context.Context, calls []CallRequest, results []CallResult) error {
	batch := make([]gethrpc.BatchElem, len(calls))
	outs := make([]hexutil.Bytes, len(calls))
	for i, call := range calls {
		batch[i] = gethrpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   call.To.Hex(),
					"data": hexutil.Encode(call.Data),
				},
				"latest",
			},
			Result: &outs[i],
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		if attempt > 0 {
			if f.metrics != nil {
				f.metrics.BatchRetries.Inc()
			}
			backoff := min(2*time.Duration(1<<(attempt-1))*time.Second, maxBackoff)
			log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Msg("Retrying batch after backoff")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			f.client.ForceRotate()
		}

		err := f.client.BatchCall(ctx, batch)
		if err == nil {
			for i := range batch {
				switch {
				case batch[i].Error != nil:
					results[i] = CallResult{Err: batch[i].Error}
				case len(outs[i]) == 0:
					results[i] = CallResult{Err: errEmptyResult}
				default:
					results[i] = CallResult{Data: outs[i]}
				}
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		break
	}
	return fmt.Errorf("batch call: %w", lastErr)
}
