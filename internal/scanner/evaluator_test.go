package scanner

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"arbscan/internal/config"
	"arbscan/internal/market"
	"arbscan/internal/sizing"
	"arbscan/internal/token"
)

var (
	baseTok  = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174") // 6 decimals
	tradeTok = common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619") // 18 decimals
	buyPool  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	sellPool = common.HexToAddress("0x0000000000000000000000000000000000000b02")
)

func testDexes() map[string]market.DexDescriptor {
	return map[string]market.DexDescriptor{
		"quickswap": {
			Name:       "quickswap",
			Kind:       market.KindV2,
			Router:     common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff"),
			FeePercent: 0.3,
		},
		"sushiswap": {
			Name:       "sushiswap",
			Kind:       market.KindV2,
			Router:     common.HexToAddress("0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506"),
			FeePercent: 0.3,
		},
		"balancer": {
			Name:       "balancer",
			Kind:       market.KindBalancer,
			Router:     common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8"),
			FeePercent: 0.3,
		},
	}
}

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	cfg := &config.Config{
		Chain: config.ChainConfig{GasCostUSD: 0.05},
		Scanner: config.ScannerConfig{
			MinProfitUSD:     -1,
			MinLiquidityUSD:  500,
			MinSpreadPercent: 0.75,
			MaxPriceImpact:   90,
		},
		FlashLoan: config.FlashLoanConfig{FeePercent: 0.05},
		Tokens: config.TokenConfig{
			BaseTokenUSDPrices: map[string]float64{
				strings.ToLower(baseTok.Hex()): 1.0,
			},
		},
	}

	grid := &sizing.Grid{
		SGrid: []float64{0.001, 0.01},
		RGrid: []float64{0.5, 1.0, 2.0},
		G: [][]float64{
			{0, 0, 0},
			{0.001, 0.001, 0.001},
		},
	}

	cachePath := filepath.Join(t.TempDir(), "decimals.json")
	body := `{"` + strings.ToLower(baseTok.Hex()) + `": 6, "` + strings.ToLower(tradeTok.Hex()) + `": 18}`
	require.NoError(t, os.WriteFile(cachePath, []byte(body), 0o644))
	decimals, err := token.NewDecimalsCache(cachePath, nil, nil)
	require.NoError(t, err)

	return NewEvaluator(cfg, testDexes(), grid, decimals, nil)
}

// units builds an integer token amount at the given decimals.
func units(amount int64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(amount), scale)
}

func poolReserves(pair common.Address, base, trade *big.Int) *market.Reserves {
	t0, t1 := market.SortTokens(baseTok, tradeTok)
	r := &market.Reserves{Pair: pair, Token0: t0, Token1: t1}
	if t0 == baseTok {
		r.Reserve0, r.Reserve1 = base, trade
	} else {
		r.Reserve0, r.Reserve1 = trade, base
	}
	return r
}

func testCandidate() Candidate {
	return Candidate{
		Trade: tradeTok,
		Base:  baseTok,
		Buy:   CandidateLeg{Dex: "quickswap", Pair: buyPool},
		Sell:  CandidateLeg{Dex: "sushiswap", Pair: sellPool},
	}
}

func testReserves() map[common.Address]*market.Reserves {
	return map[common.Address]*market.Reserves{
		buyPool:  poolReserves(buyPool, units(1_000_000, 6), units(500, 18)),
		sellPool: poolReserves(sellPool, units(1_010_000, 6), units(500, 18)),
	}
}

func TestEvaluateEmitsOpportunity(t *testing.T) {
	e := testEvaluator(t)

	opps, stats := e.Evaluate([]Candidate{testCandidate()}, testReserves())
	require.Len(t, opps, 1)
	require.Equal(t, 1, stats.Evaluated)

	opp := opps[0]
	require.False(t, opp.Flipped)
	require.Greater(t, opp.SellPrice, opp.BuyPrice)
	require.InDelta(t, 0.01, opp.Spread, 1e-6)
	require.Greater(t, opp.OptimalSize, 0.0)
	require.InDelta(t, 2_000_000, opp.LiquidityUSD, 1.0)
	require.InDelta(t, 1.0, stats.BestSpread, 1e-3)
}

func TestEvaluateFlipsStaleDirection(t *testing.T) {
	e := testEvaluator(t)

	// The crawl has buy and sell backwards.
	c := testCandidate()
	c.Buy, c.Sell = c.Sell, c.Buy

	opps, _ := e.Evaluate([]Candidate{c}, testReserves())
	require.Len(t, opps, 1)

	opp := opps[0]
	require.True(t, opp.Flipped)
	require.Equal(t, "quickswap", opp.BuyDex)
	require.Equal(t, "sushiswap", opp.SellDex)
	require.Equal(t, buyPool, opp.BuyPair)
	require.Equal(t, sellPool, opp.SellPair)
	require.Greater(t, opp.SellPrice, opp.BuyPrice)
}

func TestEvaluateDropsMissingReserves(t *testing.T) {
	e := testEvaluator(t)

	reserves := testReserves()
	delete(reserves, buyPool)

	opps, stats := e.Evaluate([]Candidate{testCandidate()}, reserves)
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropBadReserves])
}

func TestEvaluateDropsAddressMismatch(t *testing.T) {
	e := testEvaluator(t)

	reserves := testReserves()
	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	reserves[buyPool].Token0 = other
	reserves[buyPool].Token1 = other

	opps, stats := e.Evaluate([]Candidate{testCandidate()}, reserves)
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropAddressMismatch])
}

func TestEvaluateDropsLowSpread(t *testing.T) {
	e := testEvaluator(t)

	reserves := map[common.Address]*market.Reserves{
		buyPool:  poolReserves(buyPool, units(1_000_000, 6), units(500, 18)),
		sellPool: poolReserves(sellPool, units(1_001_000, 6), units(500, 18)), // 0.1% spread
	}

	opps, stats := e.Evaluate([]Candidate{testCandidate()}, reserves)
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropLowSpread])
}

func TestEvaluateDropsNonV2(t *testing.T) {
	e := testEvaluator(t)

	c := testCandidate()
	c.Sell.Dex = "balancer"

	opps, stats := e.Evaluate([]Candidate{c}, testReserves())
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropNonV2])
}

func TestEvaluateDropsReserveFloor(t *testing.T) {
	e := testEvaluator(t)

	// Spread is large but the sell side holds under $500 of base.
	reserves := map[common.Address]*market.Reserves{
		buyPool:  poolReserves(buyPool, units(400, 6), units(500, 18)),
		sellPool: poolReserves(sellPool, units(410, 6), units(500, 18)),
	}

	opps, stats := e.Evaluate([]Candidate{testCandidate()}, reserves)
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropLowLiquidity]+stats.Drops[DropReserveFloor])
}

func TestEvaluateDropsUnknownBasePrice(t *testing.T) {
	e := testEvaluator(t)

	c := testCandidate()
	c.Base = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reserves := map[common.Address]*market.Reserves{}
	t0, t1 := market.SortTokens(c.Base, c.Trade)
	for _, leg := range []struct {
		pair common.Address
		base *big.Int
	}{{buyPool, units(1_000_000, 6)}, {sellPool, units(1_010_000, 6)}} {
		r := &market.Reserves{Pair: leg.pair, Token0: t0, Token1: t1}
		if t0 == c.Base {
			r.Reserve0, r.Reserve1 = leg.base, units(500, 18)
		} else {
			r.Reserve0, r.Reserve1 = units(500, 18), leg.base
		}
		reserves[leg.pair] = r
	}

	opps, stats := e.Evaluate([]Candidate{c}, reserves)
	require.Empty(t, opps)
	require.Equal(t, 1, stats.Drops[DropNoBasePrice])
}

func TestEvaluateSortsByProfit(t *testing.T) {
	e := testEvaluator(t)

	richer := Candidate{
		Trade: tradeTok,
		Base:  baseTok,
		Buy:   CandidateLeg{Dex: "quickswap", Pair: common.HexToAddress("0xb03")},
		Sell:  CandidateLeg{Dex: "sushiswap", Pair: common.HexToAddress("0xb04")},
	}
	reserves := testReserves()
	// A wider spread on the second candidate's pools.
	reserves[richer.Buy.Pair] = poolReserves(richer.Buy.Pair, units(1_000_000, 6), units(500, 18))
	reserves[richer.Sell.Pair] = poolReserves(richer.Sell.Pair, units(1_030_000, 6), units(500, 18))

	opps, _ := e.Evaluate([]Candidate{testCandidate(), richer}, reserves)
	require.Len(t, opps, 2)
	require.GreaterOrEqual(t, opps[0].ExpectedProfitUSD(), opps[1].ExpectedProfitUSD())
	require.Equal(t, richer.Buy.Pair, opps[0].BuyPair)
}
