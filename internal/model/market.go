package model

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// OutputSize selects how much history a provider returns.
type OutputSize string

const (
	// OutputCompact is a short trailing window (about 100 trading days).
	OutputCompact OutputSize = "compact"
	// OutputFull is the entire available history.
	OutputFull OutputSize = "full"
)

// DailyBar is one calendar day of price data for one symbol, with the
// indicator values derived for that day (null until computable).
type DailyBar struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	SMA    null.Float      `json:"sma"`
	RSI    null.Float      `json:"rsi"`
}

// DateString returns the bar's calendar date as YYYY-MM-DD.
func (b DailyBar) DateString() string {
	return b.Date.Format(DateLayout)
}

// IndicatorRow carries the derived values written back onto an existing bar.
type IndicatorRow struct {
	Symbol string
	Date   time.Time
	SMA    float64
	RSI    float64
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
