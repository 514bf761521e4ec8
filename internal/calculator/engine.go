// Package calculator derives rolling indicators from daily bars.
package calculator

import "StockLedger/internal/model"

// DefaultWindow is the rolling window, in trading rows, used when none is configured.
const DefaultWindow = 100

// Compute returns the SMA and RSI for every bar whose trailing window of
// window rows is complete. bars must be in ascending date order. Rows whose
// values are undefined are left out, so the result never carries nulls.
func Compute(bars []model.DailyBar, window int) []model.IndicatorRow {
	if window <= 0 || len(bars) < window {
		return nil
	}

	closes := extractCloses(bars)
	up, down := splitGains(bars)

	rows := make([]model.IndicatorRow, 0, len(bars)-window+1)
	for i := window - 1; i < len(bars); i++ {
		lo := i - window + 1
		rsi, ok := RelativeStrengthIndex(mean(up[lo:i+1]), mean(down[lo:i+1]))
		if !ok {
			continue
		}
		sma, err := CalculateSMA(closes[:i+1], window)
		if err != nil {
			continue
		}
		rows = append(rows, model.IndicatorRow{
			Symbol: bars[i].Symbol,
			Date:   bars[i].Date,
			SMA:    sma,
			RSI:    rsi,
		})
	}
	return rows
}
