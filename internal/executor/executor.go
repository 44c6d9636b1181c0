package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"arbscan/internal/amm"
	"arbscan/internal/config"
	"arbscan/internal/market"
	"arbscan/internal/metrics"
	"arbscan/internal/scanner"
	"arbscan/internal/token"
)

const (
	// swapDeadlineSlack is added to the latest block timestamp to form the
	// router deadline for both legs.
	swapDeadlineSlack = 300

	// minFlashStepBase is the smallest loan expressed in display units of
	// the flash asset. Loans below it are bumped up, never skipped, since
	// a positive size already passed the profit model.
	minFlashStepBase = 1e-6

	// secondLegBuffer pads the second leg's own minimum output; the real
	// profit guard is the contract-level minFinalOutput.
	secondLegBuffer = 0.99

	// v3FeeTier is the fee tier used for concentrated-liquidity legs.
	v3FeeTier = 3000

	receiptPollInterval = 2 * time.Second
)

// Executor signs and submits flash-loan arbitrage transactions through the
// universal executing contract. Every opportunity is re-verified against
// fresh reserves before any gas is spent.
type Executor struct {
	client   ethCaller
	resolver *market.PairResolver
	reserves *market.ReservesFetcher
	dexes    map[string]market.DexDescriptor
	decimals *token.DecimalsCache
	metrics  *metrics.Metrics

	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int

	gasPriceMultiplier float64
	gasLimit           uint64
	slippage           float64 // fraction
	receiptTimeout     time.Duration
	flashFee           float64 // fraction
	flashTokens        map[common.Address]bool
	simulation         bool
}

// ethCaller is the slice of the RPC client the executor needs. Narrowed for
// testing against a fake server transport.
type ethCaller interface {
	Call(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// NewExecutor builds an executor from configuration. The private key and
// contract address are mandatory; a scanner without them runs watch-only
// and never constructs an Executor at all.
func NewExecutor(
	cfg *config.Config,
	client ethCaller,
	resolver *market.PairResolver,
	reserves *market.ReservesFetcher,
	dexes map[string]market.DexDescriptor,
	decimals *token.DecimalsCache,
	m *metrics.Metrics,
) (*Executor, error) {
	if cfg.Executor.ContractAddress == "" {
		return nil, errors.New("executor: contract_address is required")
	}
	if cfg.Executor.PrivateKey == "" {
		return nil, errors.New("executor: private_key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Executor.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("executor: parsing private key: %w", err)
	}

	flashTokens := make(map[common.Address]bool, len(cfg.FlashLoan.Tokens))
	for _, addr := range cfg.FlashLoan.Tokens {
		flashTokens[common.HexToAddress(addr)] = true
	}

	return &Executor{
		client:             client,
		resolver:           resolver,
		reserves:           reserves,
		dexes:              dexes,
		decimals:           decimals,
		metrics:            m,
		contract:           common.HexToAddress(cfg.Executor.ContractAddress),
		key:                key,
		from:               crypto.PubkeyToAddress(key.PublicKey),
		chainID:            big.NewInt(cfg.Chain.ChainID),
		gasPriceMultiplier: cfg.Executor.GasPriceMultiplier,
		gasLimit:           cfg.Executor.GasLimit,
		slippage:           cfg.Executor.SlippagePercent / 100,
		receiptTimeout:     time.Duration(cfg.Executor.ReceiptTimeoutSec) * time.Second,
		flashFee:           cfg.FlashLoan.FeePercent / 100,
		flashTokens:        flashTokens,
		simulation:         cfg.Executor.SimulationMode,
	}, nil
}

// leg is one swap of the atomic round trip, in execution order.
type leg struct {
	dex      market.DexDescriptor
	pair     common.Address
	tokenIn  common.Address
	tokenOut common.Address
}

// Execute re-verifies the opportunity against live state and, if it still
// clears, submits the flash-loan transaction. The boolean reports whether
// the attempt landed (receipt status 1, or pre-flight success in simulation
// mode); a false with nil error means the opportunity was declined, not
// that anything broke.
func (e *Executor) Execute(ctx context.Context, opp *scanner.Opportunity) (bool, error) {
	if opp.OptimalSize <= 0 {
		return false, errors.New("executor: zero trade size")
	}

	asset, legs, err := e.chooseRoute(opp)
	if err != nil {
		log.Warn().Err(err).Str("trade", opp.Trade.Hex()).Str("base", opp.Base.Hex()).Msg("No flash-loanable token on route")
		return false, nil
	}
	if err := e.reresolvePairs(ctx, opp, legs[:]); err != nil {
		return false, err
	}

	plan, err := e.quoteRoute(ctx, opp, asset, legs)
	if err != nil {
		return false, err
	}
	if plan == nil {
		// Declined on fresh reserves.
		return false, nil
	}

	calldata, err := e.buildCalldata(ctx, asset, legs, plan)
	if err != nil {
		return false, err
	}

	gasPrice, err := e.gasPrice(ctx)
	if err != nil {
		return false, fmt.Errorf("executor: fetching gas price: %w", err)
	}

	callObj := map[string]interface{}{
		"from":     e.from.Hex(),
		"to":       e.contract.Hex(),
		"data":     hexutil.Encode(calldata),
		"gas":      hexutil.Uint64(e.gasLimit),
		"gasPrice": hexutil.EncodeBig(gasPrice),
	}

	// Pre-flight: the contract must not revert before any gas is spent.
	var preflightOut hexutil.Bytes
	if err := e.client.Call(ctx, &preflightOut, "eth_call", callObj, "latest"); err != nil {
		reason := DecodeRevert(RevertDataFromError(err))
		log.Warn().
			Str("trade", opp.Trade.Hex()).
			Str("dex_buy", opp.BuyDex).
			Str("dex_sell", opp.SellDex).
			Str("reason", reason).
			Msg("Pre-flight reverted")
		if e.metrics != nil {
			e.metrics.PreflightReverts.Inc()
		}
		return false, nil
	}

	var estimated hexutil.Uint64
	if err := e.client.Call(ctx, &estimated, "eth_estimateGas", callObj); err != nil {
		log.Warn().Err(err).Msg("Gas estimation failed after clean pre-flight")
		return false, nil
	}
	log.Info().
		Uint64("gas_estimate", uint64(estimated)).
		Str("asset", asset.Hex()).
		Str("loan", plan.loanWei.String()).
		Float64("expected_profit_usd", opp.ExpectedProfitUSD()).
		Msg("Pre-flight succeeded")

	if e.simulation {
		log.Info().Msg("Simulation mode, transaction not submitted")
		if e.metrics != nil {
			e.metrics.TradesSimulated.Inc()
		}
		return true, nil
	}

	txHash, err := e.submit(ctx, calldata, gasPrice)
	if err != nil {
		return false, err
	}
	log.Info().Str("tx", txHash.Hex()).Msg("Transaction submitted")
	if e.metrics != nil {
		e.metrics.TradesSubmitted.Inc()
	}

	return e.awaitReceipt(ctx, txHash)
}

// chooseRoute picks the flash-loan asset and orders the legs. The base
// token is preferred: the loan then funds the buy leg directly. When only
// the trade token is loanable the legs reverse, selling first and buying
// the loan back last.
func (e *Executor) chooseRoute(opp *scanner.Opportunity) (common.Address, [2]leg, error) {
	buyDesc, ok := e.dexes[opp.BuyDex]
	if !ok {
		return common.Address{}, [2]leg{}, fmt.Errorf("executor: unknown dex %q", opp.BuyDex)
	}
	sellDesc, ok := e.dexes[opp.SellDex]
	if !ok {
		return common.Address{}, [2]leg{}, fmt.Errorf("executor: unknown dex %q", opp.SellDex)
	}

	buyLeg := leg{dex: buyDesc, pair: opp.BuyPair, tokenIn: opp.Base, tokenOut: opp.Trade}
	sellLeg := leg{dex: sellDesc, pair: opp.SellPair, tokenIn: opp.Trade, tokenOut: opp.Base}

	switch {
	case e.flashTokens[opp.Base]:
		return opp.Base, [2]leg{buyLeg, sellLeg}, nil
	case e.flashTokens[opp.Trade]:
		return opp.Trade, [2]leg{sellLeg, buyLeg}, nil
	default:
		return common.Address{}, [2]leg{}, fmt.Errorf("executor: neither %s nor %s is flash-loanable", opp.Base.Hex(), opp.Trade.Hex())
	}
}

// reresolvePairs replaces each leg's crawl-time pair address with the
// authoritative resolution. A substitution is logged, not fatal: the crawl
// file ages, the factory does not.
func (e *Executor) reresolvePairs(ctx context.Context, opp *scanner.Opportunity, legs []leg) error {
	for i := range legs {
		resolved, err := e.resolver.Resolve(ctx, legs[i].dex.Name, opp.Base, opp.Trade)
		if err != nil {
			return fmt.Errorf("executor: resolving %s pair: %w", legs[i].dex.Name, err)
		}
		if resolved != legs[i].pair {
			log.Warn().
				Str("dex", legs[i].dex.Name).
				Str("claimed", legs[i].pair.Hex()).
				Str("resolved", resolved.Hex()).
				Msg("Pair address substituted from factory")
			legs[i].pair = resolved
		}
	}
	return nil
}

// executionPlan carries the integer amounts of a route quoted on fresh
// reserves, all in wei-scale units of their respective tokens.
type executionPlan struct {
	loanWei        *big.Int
	firstOutWei    *big.Int // output of leg 0, input estimate for leg 1
	expectedOutWei *big.Int // final output of leg 1, in the flash asset
	repayWei       *big.Int // loan plus flash fee
	minFinalOutput *big.Int
	secondLegMin   *big.Int
}

// quoteRoute refetches both pools and reprices the round trip. A nil plan
// with nil error means the route no longer pays for itself.
func (e *Executor) quoteRoute(ctx context.Context, opp *scanner.Opportunity, asset common.Address, legs [2]leg) (*executionPlan, error) {
	fresh, err := e.reserves.FetchAll(ctx, []common.Address{legs[0].pair, legs[1].pair})
	if err != nil {
		return nil, fmt.Errorf("executor: refetching reserves: %w", err)
	}
	t0, t1 := market.SortTokens(opp.Base, opp.Trade)
	for _, r := range fresh {
		r.Token0, r.Token1 = t0, t1
	}

	assetDec := e.decimals.GetOrDefault(asset)

	// Loan size in display units of the flash asset. The sized amount is in
	// base units; a trade-token loan converts through the buy pool's mid.
	loan := opp.OptimalSize
	if asset == opp.Trade {
		// Trade-token route: the buy leg runs last.
		buyRes, ok := fresh[legs[1].pair]
		if !ok {
			log.Warn().Str("pair", legs[1].pair.Hex()).Msg("Buy pool unreadable on re-check")
			return nil, nil
		}
		rBase, rTrade, ok := orientReserves(buyRes, opp.Base, opp.Trade)
		if !ok {
			return nil, nil
		}
		mid := displayScale(rBase, e.decimals.GetOrDefault(opp.Base)) / displayScale(rTrade, e.decimals.GetOrDefault(opp.Trade))
		if mid <= 0 {
			return nil, nil
		}
		loan = opp.OptimalSize / mid
	}

	// Walk the legs in display units.
	amountIn := loan
	outs := [2]float64{}
	for i, l := range legs {
		r, ok := fresh[l.pair]
		if !ok {
			log.Warn().Str("pair", l.pair.Hex()).Str("dex", l.dex.Name).Msg("Pool unreadable on re-check")
			return nil, nil
		}
		rIn, rOut, ok := orientReserves(r, l.tokenIn, l.tokenOut)
		if !ok {
			log.Warn().Str("pair", l.pair.Hex()).Msg("Pool tokens mismatch on re-check")
			return nil, nil
		}
		out := amm.SwapOut(
			amountIn,
			displayScale(rIn, e.decimals.GetOrDefault(l.tokenIn)),
			displayScale(rOut, e.decimals.GetOrDefault(l.tokenOut)),
			l.dex.FeeFraction(),
		)
		if out <= 0 {
			return nil, nil
		}
		outs[i] = out
		amountIn = out
	}

	loanWei := toWei(loan, assetDec)
	minLoan := toWei(minFlashStepBase, assetDec)
	if loanWei.Cmp(minLoan) < 0 {
		log.Warn().
			Str("loan", loanWei.String()).
			Str("min", minLoan.String()).
			Msg("Loan below minimum step, bumping")
		loanWei = minLoan
	}

	firstOutWei := toWei(outs[0], e.decimals.GetOrDefault(legs[0].tokenOut))
	expectedOutWei := toWei(outs[1], assetDec)

	fee := mulFraction(loanWei, e.flashFee)
	repayWei := new(big.Int).Add(loanWei, fee)

	if expectedOutWei.Cmp(repayWei) <= 0 {
		log.Warn().
			Str("expected_out", expectedOutWei.String()).
			Str("repay", repayWei.String()).
			Str("asset", asset.Hex()).
			Msg("Route unprofitable at current reserves, declining")
		return nil, nil
	}

	minFinal := minFinalOutput(expectedOutWei, repayWei, e.slippage)
	secondLegMin := mulFraction(expectedOutWei, secondLegBuffer)

	return &executionPlan{
		loanWei:        loanWei,
		firstOutWei:    firstOutWei,
		expectedOutWei: expectedOutWei,
		repayWei:       repayWei,
		minFinalOutput: minFinal,
		secondLegMin:   secondLegMin,
	}, nil
}

// buildCalldata assembles the per-leg swap payloads and the outer
// executeArbitrage call. The first leg spends the exact loan with no own
// minimum; the second leg uses the balance sentinel on V2 and carries the
// buffered minimum. The contract-level minFinalOutput is the profit guard.
func (e *Executor) buildCalldata(ctx context.Context, asset common.Address, legs [2]leg, plan *executionPlan) ([]byte, error) {
	deadline, err := e.swapDeadline(ctx)
	if err != nil {
		return nil, err
	}

	firstData, err := e.buildLeg(legs[0], plan.loanWei, big.NewInt(0), deadline)
	if err != nil {
		return nil, err
	}
	secondIn := MaxUint256
	if legs[1].dex.Kind == market.KindV3 || legs[1].dex.Kind == market.KindAlgebra {
		secondIn = plan.firstOutWei
	}
	secondData, err := e.buildLeg(legs[1], secondIn, plan.secondLegMin, deadline)
	if err != nil {
		return nil, err
	}

	params, err := EncodeExecuteParams(ExecuteParams{
		SwapDataList:   [][]byte{firstData, secondData},
		Routers:        []common.Address{legs[0].dex.Router, legs[1].dex.Router},
		InputTokens:    []common.Address{legs[0].tokenIn, legs[1].tokenIn},
		MinFinalOutput: plan.minFinalOutput,
	})
	if err != nil {
		return nil, err
	}
	return BuildExecuteCall(asset, plan.loanWei, params)
}

// buildLeg dispatches on venue kind. Unknown kinds get the V2 encoding,
// matching the contract's own fallback.
func (e *Executor) buildLeg(l leg, amountIn, amountOutMin, deadline *big.Int) ([]byte, error) {
	switch l.dex.Kind {
	case market.KindV3:
		return BuildV3Swap(amountIn, amountOutMin, l.tokenIn, l.tokenOut, e.contract, v3FeeTier, deadline)
	case market.KindAlgebra:
		return BuildAlgebraSwap(amountIn, amountOutMin, l.tokenIn, l.tokenOut, e.contract, deadline)
	default:
		return BuildV2Swap(amountIn, amountOutMin, l.tokenIn, l.tokenOut, e.contract, deadline)
	}
}

// swapDeadline reads the latest block timestamp and adds the slack.
func (e *Executor) swapDeadline(ctx context.Context) (*big.Int, error) {
	var head struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := e.client.Call(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, fmt.Errorf("executor: fetching latest block: %w", err)
	}
	return new(big.Int).SetUint64(uint64(head.Timestamp) + swapDeadlineSlack), nil
}

// gasPrice returns the node's suggestion scaled by the configured multiplier.
func (e *Executor) gasPrice(ctx context.Context) (*big.Int, error) {
	var suggested hexutil.Big
	if err := e.client.Call(ctx, &suggested, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return mulFraction((*big.Int)(&suggested), e.gasPriceMultiplier), nil
}

// submit signs a legacy transaction and broadcasts it.
func (e *Executor) submit(ctx context.Context, calldata []byte, gasPrice *big.Int) (common.Hash, error) {
	var nonce hexutil.Uint64
	if err := e.client.Call(ctx, &nonce, "eth_getTransactionCount", e.from, "pending"); err != nil {
		return common.Hash{}, fmt.Errorf("executor: fetching nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    uint64(nonce),
		GasPrice: gasPrice,
		Gas:      e.gasLimit,
		To:       &e.contract,
		Value:    big.NewInt(0),
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("executor: signing transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("executor: encoding transaction: %w", err)
	}

	var txHash common.Hash
	if err := e.client.Call(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("executor: broadcasting transaction: %w", err)
	}
	return txHash, nil
}

// awaitReceipt polls until the transaction is mined or the timeout lapses.
// A timeout is not an error: the transaction may still land later.
func (e *Executor) awaitReceipt(ctx context.Context, txHash common.Hash) (bool, error) {
	deadline := time.Now().Add(e.receiptTimeout)
	for {
		var receipt *struct {
			Status hexutil.Uint64 `json:"status"`
		}
		err := e.client.Call(ctx, &receipt, "eth_getTransactionReceipt", txHash)
		switch {
		case errors.Is(err, gethrpc.ErrNoResult):
			// Still pending.
		case err != nil:
			log.Warn().Err(err).Str("tx", txHash.Hex()).Msg("Receipt poll failed")
		case receipt != nil:
			if receipt.Status == 1 {
				log.Info().Str("tx", txHash.Hex()).Msg("Transaction confirmed")
				if e.metrics != nil {
					e.metrics.TradesSucceeded.Inc()
				}
				return true, nil
			}
			log.Warn().Str("tx", txHash.Hex()).Msg("Transaction reverted on-chain")
			if e.metrics != nil {
				e.metrics.TradesFailed.Inc()
			}
			return false, nil
		}

		if time.Now().After(deadline) {
			log.Warn().Str("tx", txHash.Hex()).Msg("Receipt wait timed out")
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// orientReserves returns (reserveIn, reserveOut) for a swap of tokenIn to
// tokenOut against the pool's claimed ordering.
func orientReserves(r *market.Reserves, tokenIn, tokenOut common.Address) (*big.Int, *big.Int, bool) {
	switch {
	case r.Token0 == tokenIn && r.Token1 == tokenOut:
		return r.Reserve0, r.Reserve1, true
	case r.Token1 == tokenIn && r.Token0 == tokenOut:
		return r.Reserve1, r.Reserve0, true
	default:
		return nil, nil, false
	}
}

// displayScale converts an integer amount to display units.
func displayScale(x *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(x)
	out, _ := f.Quo(f, big.NewFloat(math.Pow10(decimals))).Float64()
	return out
}

// toWei converts a display-unit amount to integer token units, truncating.
func toWei(amount float64, decimals int) *big.Int {
	f := new(big.Float).SetFloat64(amount)
	f.Mul(f, big.NewFloat(math.Pow10(decimals)))
	out, _ := f.Int(nil)
	return out
}

// mulFraction scales an integer amount by a float factor, truncating.
func mulFraction(x *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(x)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

// minFinalOutput floors the slippage-scaled expectation at repay+1, so a
// confirmed trade can never net zero or negative even when the scaled
// output lands exactly on the repay amount.
func minFinalOutput(expectedOut, repay *big.Int, slippage float64) *big.Int {
	minFinal := mulFraction(expectedOut, 1-slippage)
	floor := new(big.Int).Add(repay, big.NewInt(1))
	if minFinal.Cmp(floor) < 0 {
		return floor
	}
	return minFinal
}
