package amm

// SwapOut returns the constant-product output for input x against reserves
// (rIn, rOut) under fee fraction phi.
func SwapOut(x, rIn, rOut, phi float64) float64 {
	if x <= 0 || rIn <= 0 || rOut <= 0 {
		return 0
	}
	xAfterFee := x * (1 - phi)
	return xAfterFee * rOut / (rIn + xAfterFee)
}

// PriceImpact returns the percentage deviation of the realized price from
// the mid price for a swap of x against (rIn, rOut).
func PriceImpact(x, rIn, rOut, phi float64) float64 {
	if x <= 0 || rIn <= 0 || rOut <= 0 {
		return 0
	}
	mid := rOut / rIn
	realized := SwapOut(x, rIn, rOut, phi) / x
	return 100 * (mid - realized) / mid
}

// RoundTrip holds the quote for one borrow-swap-swap-repay cycle.
type RoundTrip struct {
	Loan       float64 // base units borrowed
	TradeOut   float64 // trade units received on the buy venue
	BaseOut    float64 // base units received back on the sell venue
	Repay      float64 // loan plus flash fee
	GasBase    float64 // gas cost converted to base units
	NetBase    float64 // BaseOut - Repay - GasBase
	NetUSD     float64
	BuyImpact  float64 // percent
	SellImpact float64 // percent
}

// Pool is one side of the round trip in display units.
type Pool struct {
	ReserveBase  float64
	ReserveTrade float64
	Fee          float64 // fraction
}

// Quote runs the full atomic round trip for a loan of size base units:
// buy TRADE with BASE on the buy pool, sell it for BASE on the sell pool,
// repay the loan plus the flash fee, subtract gas.
func Quote(loan float64, buy, sell Pool, flashFee, gasBase, baseUSD float64) RoundTrip {
	trade := SwapOut(loan, buy.ReserveBase, buy.ReserveTrade, buy.Fee)
	baseOut := SwapOut(trade, sell.ReserveTrade, sell.ReserveBase, sell.Fee)
	repay := loan * (1 + flashFee)
	netBase := baseOut - repay - gasBase

	return RoundTrip{
		Loan:       loan,
		TradeOut:   trade,
		BaseOut:    baseOut,
		Repay:      repay,
		GasBase:    gasBase,
		NetBase:    netBase,
		NetUSD:     netBase * baseUSD,
		BuyImpact:  PriceImpact(loan, buy.ReserveBase, buy.ReserveTrade, buy.Fee),
		SellImpact: PriceImpact(trade, sell.ReserveTrade, sell.ReserveBase, sell.Fee),
	}
}
