package scanner

import (
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"arbscan/internal/amm"
	"arbscan/internal/config"
	"arbscan/internal/market"
	"arbscan/internal/metrics"
	"arbscan/internal/sizing"
	"arbscan/internal/token"
)

// Drop reasons tallied per cycle. Every reason is also a Prometheus
// counter label.
const (
	DropBadReserves     = "bad_reserves"
	DropAddressMismatch = "address_mismatch"
	DropPriceFlip       = "price_flip"
	DropLowSpread       = "low_spread_onchain"
	DropLowLiquidity    = "low_liquidity_usd"
	DropReserveFloor    = "reserve_floor_usd"
	DropNonV2           = "non_v2"
	DropNoBasePrice     = "no_base_price"
	DropZeroSize        = "net_spread_zero"
	DropHighImpact      = "high_impact"
	DropLowProfit       = "low_profit"
)

// minReserveUSD is the hard floor on each side's base reserve, regardless
// of the configured liquidity threshold.
const minReserveUSD = 500.0

// Opportunity is a candidate that cleared every filter, carrying a concrete
// size and profit estimate. It lives only within one scan cycle.
type Opportunity struct {
	Trade    common.Address
	Base     common.Address
	BuyDex   string
	SellDex  string
	BuyPair  common.Address
	SellPair common.Address

	BuyPrice     float64 // on-chain mid, base per trade
	SellPrice    float64
	Spread       float64 // fraction
	LiquidityUSD float64
	OptimalSize  float64 // base units, display scale
	BaseUSD      float64
	Quote        amm.RoundTrip
	Flipped      bool
}

// ExpectedProfitUSD is the modeled net profit of the round trip.
func (o *Opportunity) ExpectedProfitUSD() float64 {
	return o.Quote.NetUSD
}

// Stats tallies one cycle's evaluation outcomes.
type Stats struct {
	Evaluated  int
	Drops      map[string]int
	BestSpread float64 // percent
}

func newStats() *Stats {
	return &Stats{Drops: make(map[string]int)}
}

// Evaluator runs the per-candidate pipeline against cycle-local reserves.
// All data access is in-memory; the evaluator never touches the network.
type Evaluator struct {
	dexes      map[string]market.DexDescriptor
	grid       *sizing.Grid
	decimals   *token.DecimalsCache
	basePrices map[string]float64

	minProfitUSD    float64
	minLiquidityUSD float64
	minSpread       float64 // fraction
	maxImpact       float64 // percent
	flashFee        float64 // fraction
	gasCostUSD      float64

	metrics *metrics.Metrics
}

// NewEvaluator wires the pipeline from configuration.
func NewEvaluator(
	cfg *config.Config,
	dexes map[string]market.DexDescriptor,
	grid *sizing.Grid,
	decimals *token.DecimalsCache,
	m *metrics.Metrics,
) *Evaluator {
	prices := make(map[string]float64, len(cfg.Tokens.BaseTokenUSDPrices))
	for addr, p := range cfg.Tokens.BaseTokenUSDPrices {
		prices[strings.ToLower(addr)] = p
	}
	if cfg.Scanner.MinProfitUSD < 0 {
		log.Warn().
			Float64("min_profit_usd", cfg.Scanner.MinProfitUSD).
			Msg("Negative profit threshold, every sized opportunity will be emitted")
	} else {
		log.Info().Float64("min_profit_usd", cfg.Scanner.MinProfitUSD).Msg("Profit threshold")
	}
	return &Evaluator{
		dexes:           dexes,
		grid:            grid,
		decimals:        decimals,
		basePrices:      prices,
		minProfitUSD:    cfg.Scanner.MinProfitUSD,
		minLiquidityUSD: cfg.Scanner.MinLiquidityUSD,
		minSpread:       cfg.Scanner.MinSpreadPercent / 100,
		maxImpact:       cfg.Scanner.MaxPriceImpact,
		flashFee:        cfg.FlashLoan.FeePercent / 100,
		gasCostUSD:      cfg.Chain.GasCostUSD,
		metrics:         m,
	}
}

// Evaluate runs every candidate through the pipeline and returns the
// surviving opportunities sorted by descending expected profit.
func (e *Evaluator) Evaluate(candidates []Candidate, reserves map[common.Address]*market.Reserves) ([]*Opportunity, *Stats) {
	stats := newStats()
	var out []*Opportunity

	for i := range candidates {
		stats.Evaluated++
		if e.metrics != nil {
			e.metrics.CandidatesEvaluated.Inc()
		}
		opp, dropReason := e.evaluateOne(&candidates[i], reserves, stats)
		if dropReason != "" {
			stats.Drops[dropReason]++
			if e.metrics != nil {
				e.metrics.RecordDrop(dropReason)
			}
			continue
		}
		out = append(out, opp)
		if e.metrics != nil {
			e.metrics.Opportunities.Inc()
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpectedProfitUSD() > out[j].ExpectedProfitUSD()
	})
	return out, stats
}

// evaluateOne returns the opportunity, or the drop reason.
func (e *Evaluator) evaluateOne(c *Candidate, reserves map[common.Address]*market.Reserves, stats *Stats) (*Opportunity, string) {
	buyRes, ok := reserves[c.Buy.Pair]
	if !ok {
		return nil, DropBadReserves
	}
	sellRes, ok := reserves[c.Sell.Pair]
	if !ok {
		return nil, DropBadReserves
	}

	buyBase, buyTrade, ok := orient(buyRes, c.Base, c.Trade)
	if !ok {
		return nil, DropAddressMismatch
	}
	sellBase, sellTrade, ok := orient(sellRes, c.Base, c.Trade)
	if !ok {
		return nil, DropAddressMismatch
	}

	dBase := e.decimals.GetOrDefault(c.Base)
	dTrade := e.decimals.GetOrDefault(c.Trade)

	// Display-scale reserves and on-chain mid prices, base per trade.
	b1 := scale(buyBase, dBase)
	t1 := scale(buyTrade, dTrade)
	b2 := scale(sellBase, dBase)
	t2 := scale(sellTrade, dTrade)
	if t1 <= 0 || t2 <= 0 {
		return nil, DropBadReserves
	}
	buyPrice := b1 / t1
	sellPrice := b2 / t2

	buyLeg, sellLeg := c.Buy, c.Sell
	flipped := false
	if sellPrice <= buyPrice {
		// The crawl's direction is stale; the live spread runs the other way.
		buyLeg, sellLeg = c.Sell, c.Buy
		b1, t1, b2, t2 = b2, t2, b1, t1
		buyPrice, sellPrice = sellPrice, buyPrice
		flipped = true
	}
	if sellPrice <= buyPrice {
		return nil, DropPriceFlip
	}

	spread := (sellPrice - buyPrice) / buyPrice
	if pct := spread * 100; pct > stats.BestSpread {
		stats.BestSpread = pct
	}
	if spread < e.minSpread {
		return nil, DropLowSpread
	}

	baseUSD, ok := e.basePrices[strings.ToLower(c.Base.Hex())]
	if !ok || baseUSD <= 0 {
		return nil, DropNoBasePrice
	}

	liquidityUSD := 2 * b1 * baseUSD
	if liquidityUSD < e.minLiquidityUSD {
		return nil, DropLowLiquidity
	}
	if b1*baseUSD < minReserveUSD || b2*baseUSD < minReserveUSD {
		return nil, DropReserveFloor
	}

	buyDesc := e.dexes[buyLeg.Dex]
	sellDesc := e.dexes[sellLeg.Dex]
	if buyDesc.Kind != market.KindV2 || sellDesc.Kind != market.KindV2 {
		return nil, DropNonV2
	}
	if buyDesc.Router == sellDesc.Router {
		log.Warn().
			Str("dex_buy", buyLeg.Dex).
			Str("dex_sell", sellLeg.Dex).
			Str("pair_buy", buyLeg.Pair.Hex()).
			Str("pair_sell", sellLeg.Pair.Hex()).
			Msg("Both venues share a router; distinct pools assumed")
	}

	size := e.grid.Size(spread, b1, b2)
	if size <= 0 {
		return nil, DropZeroSize
	}

	gasBase := e.gasCostUSD / baseUSD
	quote := amm.Quote(size,
		amm.Pool{ReserveBase: b1, ReserveTrade: t1, Fee: buyDesc.FeeFraction()},
		amm.Pool{ReserveBase: b2, ReserveTrade: t2, Fee: sellDesc.FeeFraction()},
		e.flashFee, gasBase, baseUSD,
	)
	if quote.BuyImpact > e.maxImpact || quote.SellImpact > e.maxImpact {
		return nil, DropHighImpact
	}
	if quote.NetUSD < e.minProfitUSD {
		return nil, DropLowProfit
	}

	return &Opportunity{
		Trade:        c.Trade,
		Base:         c.Base,
		BuyDex:       buyLeg.Dex,
		SellDex:      sellLeg.Dex,
		BuyPair:      buyLeg.Pair,
		SellPair:     sellLeg.Pair,
		BuyPrice:     buyPrice,
		SellPrice:    sellPrice,
		Spread:       spread,
		LiquidityUSD: liquidityUSD,
		OptimalSize:  size,
		BaseUSD:      baseUSD,
		Quote:        quote,
		Flipped:      flipped,
	}, ""
}

// orient returns the (base, trade) reserves of a pool using its claimed
// token ordering. A pool whose tokens do not include the candidate's base
// and trade cannot be oriented.
func orient(r *market.Reserves, base, trade common.Address) (baseReserve, tradeReserve *big.Int, ok bool) {
	switch {
	case r.Token0 == base && r.Token1 == trade:
		return r.Reserve0, r.Reserve1, true
	case r.Token1 == base && r.Token0 == trade:
		return r.Reserve1, r.Reserve0, true
	default:
		return nil, nil, false
	}
}

// scale converts an integer reserve to display units.
func scale(x *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(x)
	out, _ := f.Quo(f, big.NewFloat(math.Pow10(decimals))).Float64()
	return out
}
