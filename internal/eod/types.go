package eod

// aggRow represents aggregated trading statistics for a symbol.
type aggRow struct {
	Symbol      string  // Trading symbol
	Trades      int     // Closed positions
	Wins        int     // Closed positions with positive P&L
	Qty         float64 // Total quantity closed
	RealizedPnL float64 // Sum of realized P&L
	ReturnSum   float64 // Sum of per-trade returns, for the average
}
