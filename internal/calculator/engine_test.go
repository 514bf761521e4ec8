package calculator

import (
	"math"
	"testing"
	"time"

	"StockLedger/internal/model"

	"github.com/shopspring/decimal"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f)", label, got, want, tol)
	}
}

func makeBars(symbol string, opens, closes []float64) []model.DailyBar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.DailyBar, len(closes))
	for i := range closes {
		bars[i] = model.DailyBar{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Open:   decimal.NewFromFloat(opens[i]),
			High:   decimal.NewFromFloat(math.Max(opens[i], closes[i])),
			Low:    decimal.NewFromFloat(math.Min(opens[i], closes[i])),
			Close:  decimal.NewFromFloat(closes[i]),
		}
	}
	return bars
}

func TestCompute_AcmeScenario(t *testing.T) {
	bars := makeBars("ACME",
		[]float64{9, 11, 12, 11, 14},
		[]float64{10, 12, 11, 13, 15})

	rows := Compute(bars, 3)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if !rows[0].Date.Equal(bars[2].Date) {
		t.Errorf("first row date = %s, want %s", rows[0].Date, bars[2].Date)
	}
	assertClose(t, "SMA@2", rows[0].SMA, 11.0, 1e-9)
	assertClose(t, "RSI@2", rows[0].RSI, 66.6667, 1e-3)

	// idx3: closes 12,11,13; gains 1,-1,2 -> up 1,0,2 down 0,1,0
	assertClose(t, "SMA@3", rows[1].SMA, 12.0, 1e-9)
	assertClose(t, "RSI@3", rows[1].RSI, 75.0, 1e-9)

	// idx4: closes 11,13,15; gains -1,2,1 -> up 0,2,1 down 1,0,0
	assertClose(t, "SMA@4", rows[2].SMA, 13.0, 1e-9)
	assertClose(t, "RSI@4", rows[2].RSI, 75.0, 1e-9)
}

func TestCompute_InsufficientHistory(t *testing.T) {
	bars := makeBars("ACME", []float64{1, 2}, []float64{2, 3})
	if rows := Compute(bars, 3); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	if rows := Compute(bars, 0); rows != nil {
		t.Errorf("expected nil for non-positive window, got %v", rows)
	}
}

func TestCompute_AllUpIsHundred(t *testing.T) {
	bars := makeBars("UP", []float64{1, 2, 3, 4}, []float64{2, 3, 4, 5})
	rows := Compute(bars, 3)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.RSI != 100 {
			t.Errorf("RSI = %v, want 100 when avgDown is zero", r.RSI)
		}
	}
}

func TestCompute_FlatWindowIsExcluded(t *testing.T) {
	// close == open on every bar: avgUp == avgDown == 0
	bars := makeBars("FLAT", []float64{5, 5, 5, 5}, []float64{5, 5, 5, 5})
	if rows := Compute(bars, 3); len(rows) != 0 {
		t.Errorf("expected flat windows to be excluded, got %d rows", len(rows))
	}

	// A flat window followed by a moving one: only the latter is emitted.
	bars = makeBars("MIX", []float64{5, 5, 5, 5}, []float64{5, 5, 5, 4})
	rows := Compute(bars, 3)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].RSI != 0 {
		t.Errorf("RSI = %v, want 0 when avgUp is zero", rows[0].RSI)
	}
	if math.IsNaN(rows[0].SMA) {
		t.Error("SMA must never be NaN")
	}
}

func TestCompute_RSIBounded(t *testing.T) {
	opens := make([]float64, 200)
	closes := make([]float64, 200)
	for i := range opens {
		opens[i] = 100 + math.Sin(float64(i))*10
		closes[i] = opens[i] + math.Cos(float64(i)*1.7)*3
	}
	for _, r := range Compute(makeBars("WAVE", opens, closes), 14) {
		if r.RSI < 0 || r.RSI > 100 || math.IsNaN(r.RSI) {
			t.Fatalf("RSI out of range on %s: %v", r.Date.Format(model.DateLayout), r.RSI)
		}
	}
}

func TestCompute_RecomputeStability(t *testing.T) {
	opens := make([]float64, 300)
	closes := make([]float64, 300)
	for i := range opens {
		opens[i] = 50 + float64(i%17)*0.37
		closes[i] = opens[i] + float64(i%5-2)*0.11
	}
	full := makeBars("STAB", opens, closes)
	const window = 20

	whole := Compute(full, window)
	tail := Compute(full[150:], window)

	byDate := make(map[time.Time]model.IndicatorRow, len(whole))
	for _, r := range whole {
		byDate[r.Date] = r
	}
	if len(tail) == 0 {
		t.Fatal("expected rows from tail computation")
	}
	for _, r := range tail {
		w, ok := byDate[r.Date]
		if !ok {
			t.Fatalf("date %s missing from full computation", r.Date)
		}
		if w.SMA != r.SMA || w.RSI != r.RSI {
			t.Errorf("%s: full=(%v,%v) tail=(%v,%v)", r.Date.Format(model.DateLayout), w.SMA, w.RSI, r.SMA, r.RSI)
		}
	}
}

func TestCalculateSMA(t *testing.T) {
	if _, err := CalculateSMA([]float64{1, 2}, 3); err == nil {
		t.Error("expected error for insufficient data")
	}
	if _, err := CalculateSMA([]float64{1, 2}, 0); err == nil {
		t.Error("expected error for non-positive period")
	}
	v, err := CalculateSMA([]float64{1, 2, 3, 4}, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "SMA", v, 3.5, 1e-12)
}

func TestRelativeStrengthIndex(t *testing.T) {
	tests := []struct {
		name    string
		up      float64
		down    float64
		want    float64
		defined bool
	}{
		{"both zero", 0, 0, 0, false},
		{"no losses", 1, 0, 100, true},
		{"no gains", 0, 1, 0, true},
		{"even", 1, 1, 50, true},
		{"two to one", 2, 1, 100 - 100.0/3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RelativeStrengthIndex(tt.up, tt.down)
			if ok != tt.defined {
				t.Fatalf("defined = %v, want %v", ok, tt.defined)
			}
			if ok {
				assertClose(t, tt.name, got, tt.want, 1e-9)
			}
		})
	}
}
