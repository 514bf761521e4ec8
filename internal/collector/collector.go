// Package collector fetches daily price bars from market data providers.
package collector

import (
	"context"
	"sync"
	"time"

	"StockLedger/internal/model"

	"github.com/shopspring/decimal"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price float64

	mu      sync.Mutex
	full    map[string][]model.DailyBar
	compact map[string][]model.DailyBar
	errs    map[string]error
	calls   map[string]int
}

// NewMockFetcher creates a mock that generates bars around price for any
// symbol without fixed data.
func NewMockFetcher(price float64) *MockFetcher {
	return &MockFetcher{
		Price:   price,
		full:    make(map[string][]model.DailyBar),
		compact: make(map[string][]model.DailyBar),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *MockFetcher) Name() string { return "mock" }

// SetBars fixes the payload returned for symbol at the given size.
func (m *MockFetcher) SetBars(symbol string, size model.OutputSize, bars []model.DailyBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == model.OutputFull {
		m.full[symbol] = bars
	} else {
		m.compact[symbol] = bars
	}
}

// SetError makes every fetch of symbol fail with err; nil clears it.
func (m *MockFetcher) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, symbol)
		return
	}
	m.errs[symbol] = err
}

// Calls returns how many times symbol was fetched.
func (m *MockFetcher) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[symbol]
}

func (m *MockFetcher) Fetch(ctx context.Context, symbol string, size model.OutputSize) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[symbol]++

	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}

	fixed := m.compact
	count := compactBars
	if size == model.OutputFull {
		fixed = m.full
		count = 300
	}
	if bars, ok := fixed[symbol]; ok {
		return newSliceStream(append([]model.DailyBar(nil), bars...)), nil
	}
	return newSliceStream(generateMockBars(symbol, m.Price, count)), nil
}

// generateMockBars returns count bars ending today, newest first as most
// providers deliver them.
func generateMockBars(symbol string, basePrice float64, count int) []model.DailyBar {
	today := model.Day(time.Now())
	bars := make([]model.DailyBar, count)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		bars[count-1-i] = model.DailyBar{
			Symbol: symbol,
			Date:   today.AddDate(0, 0, -(count - 1 - i)),
			Open:   decimal.NewFromFloat(p * 0.999).Round(4),
			High:   decimal.NewFromFloat(p * 1.005).Round(4),
			Low:    decimal.NewFromFloat(p * 0.995).Round(4),
			Close:  decimal.NewFromFloat(p).Round(4),
		}
	}
	return bars
}
