package scanner

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"arbscan/internal/market"
	"arbscan/internal/metrics"
	"arbscan/internal/rpc"
	"arbscan/internal/token"
)

// rotateEveryCycles proactively spreads load across endpoints even when
// no rate limit was hit.
const rotateEveryCycles = 5

// TradeExecutor turns an opportunity into an on-chain attempt. The boolean
// reports whether the attempt succeeded (or, in simulation mode, passed
// pre-flight).
type TradeExecutor interface {
	Execute(ctx context.Context, opp *Opportunity) (bool, error)
}

// Loop drives scan cycles: fetch, evaluate, execute, sleep. One cycle is in
// flight at a time; the cycle boundary is a barrier for all cached reserves.
type Loop struct {
	source    CandidateSource
	reserves  *market.ReservesFetcher
	decimals  *token.DecimalsCache
	evaluator *Evaluator
	executor  TradeExecutor
	client    *rpc.Client
	metrics   *metrics.Metrics

	maxAttempts int
	interval    time.Duration
	cycles      int
}

// NewLoop wires a scan loop. executor may be nil for a watch-only scanner.
// maxAttempts bounds how many opportunities are attempted per cycle, best
// first.
func NewLoop(
	source CandidateSource,
	reserves *market.ReservesFetcher,
	decimals *token.DecimalsCache,
	evaluator *Evaluator,
	executor TradeExecutor,
	client *rpc.Client,
	m *metrics.Metrics,
	maxAttempts int,
	interval time.Duration,
) *Loop {
	return &Loop{
		source:      source,
		reserves:    reserves,
		decimals:    decimals,
		evaluator:   evaluator,
		executor:    executor,
		client:      client,
		metrics:     m,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// Run executes cycles until the context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		start := time.Now()
		if err := l.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Scan cycle failed")
		}
		if l.metrics != nil {
			l.metrics.RecordCycle(time.Since(start))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval):
		}
	}
}

// runCycle performs one scan: candidates, parallel reserves+decimals fetch,
// evaluation, then up to maxAttempts execution attempts by descending profit.
func (l *Loop) runCycle(ctx context.Context) error {
	l.cycles++
	if l.cycles%rotateEveryCycles == 0 {
		l.client.ForceRotate()
	}

	candidates, err := l.source.Candidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.Warn().Msg("No candidates this cycle")
		return nil
	}

	pairAddrs, claimedTokens := UniquePairs(candidates)
	tokens := UniqueTokens(candidates)

	var reserves map[common.Address]*market.Reserves
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reserves, err = l.reserves.FetchAll(gctx, pairAddrs)
		return err
	})
	g.Go(func() error {
		return l.decimals.Ensure(gctx, tokens)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Reserves carry no token identities on the wire; attach the ordering
	// each pool was claimed with.
	for addr, r := range reserves {
		claimed := claimedTokens[addr]
		r.Token0, r.Token1 = claimed[0], claimed[1]
	}

	opportunities, stats := l.evaluator.Evaluate(candidates, reserves)
	l.logCycle(candidates, reserves, opportunities, stats)

	if l.executor == nil {
		return nil
	}
	attempts := min(l.maxAttempts, len(opportunities))
	for i := 0; i < attempts; i++ {
		opp := opportunities[i]
		if l.metrics != nil {
			l.metrics.TradesAttempted.Inc()
		}
		ok, err := l.executor.Execute(ctx, opp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().
				Err(err).
				Str("trade", opp.Trade.Hex()).
				Str("dex_buy", opp.BuyDex).
				Str("dex_sell", opp.SellDex).
				Msg("Execution attempt failed")
			continue
		}
		if ok {
			break
		}
	}
	return nil
}

func (l *Loop) logCycle(candidates []Candidate, reserves map[common.Address]*market.Reserves, opps []*Opportunity, stats *Stats) {
	ev := log.Info().
		Int("cycle", l.cycles).
		Int("candidates", len(candidates)).
		Int("pools_with_reserves", len(reserves)).
		Int("opportunities", len(opps)).
		Float64("best_spread_pct", stats.BestSpread).
		Str("endpoint", l.client.Endpoint())
	for reason, n := range stats.Drops {
		ev = ev.Int("drop_"+reason, n)
	}
	ev.Msg("Scan cycle complete")

	if l.metrics != nil {
		l.metrics.BestSpread.Set(stats.BestSpread)
	}

	for i, opp := range opps {
		if i >= l.maxAttempts {
			break
		}
		log.Info().
			Str("trade", opp.Trade.Hex()).
			Str("base", opp.Base.Hex()).
			Str("dex_buy", opp.BuyDex).
			Str("dex_sell", opp.SellDex).
			Float64("spread_pct", opp.Spread*100).
			Float64("size_base", opp.OptimalSize).
			Float64("profit_usd", opp.ExpectedProfitUSD()).
			Bool("flipped", opp.Flipped).
			Msg("Opportunity")
	}
}
