package calculator

import (
	"math"

	"StockLedger/internal/model"
)

// splitGains returns the per-bar up and down moves.
//
// The gain of a bar is its same-day move, close minus open, rather than the
// day-over-day change of closes.
func splitGains(bars []model.DailyBar) (up, down []float64) {
	up = make([]float64, len(bars))
	down = make([]float64, len(bars))
	for i, b := range bars {
		gain := b.Close.Sub(b.Open).InexactFloat64()
		if gain > 0 {
			up[i] = gain
		} else if gain < 0 {
			down[i] = -gain
		}
	}
	return up, down
}

// RelativeStrengthIndex converts average up and down moves into an RSI value.
// ok is false when both averages are zero, where the ratio is undefined.
func RelativeStrengthIndex(avgUp, avgDown float64) (rsi float64, ok bool) {
	if avgUp == 0 && avgDown == 0 {
		return 0, false
	}
	if avgDown == 0 {
		return 100.0, true
	}
	rs := avgUp / avgDown
	rsi = 100.0 - 100.0/(1.0+rs)
	if math.IsNaN(rsi) || math.IsInf(rsi, 0) {
		return 0, false
	}
	return rsi, true
}
