// Package report writes per-symbol CSV snapshots of bars and indicators.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"StockLedger/internal/model"

	"github.com/guregu/null/v6"
)

// Header is the fixed column order of every report.
var Header = []string{"symbol", "date", "open", "close", "high", "low", "sma", "rsi"}

// Source is the read contract the exporter needs from the store.
type Source interface {
	GetBarsWithIndicators(ctx context.Context, symbol string, from time.Time) ([]model.DailyBar, error)
}

// Exporter writes <root>/<SYMBOL>/<YYYY-MM-DD>.csv files.
type Exporter struct {
	source  Source
	root    string
	history time.Duration
	now     func() time.Time
}

// NewExporter creates an exporter covering history back from today.
func NewExporter(source Source, root string, history time.Duration) *Exporter {
	if history <= 0 {
		history = 365 * 24 * time.Hour
	}
	return &Exporter{source: source, root: root, history: history, now: time.Now}
}

// WithClock overrides the time source.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Export writes today's report for symbol and returns its path. The file
// appears atomically; a failed export leaves any previous report intact.
func (e *Exporter) Export(ctx context.Context, symbol string) (string, error) {
	today := model.Day(e.now())
	from := model.Day(today.Add(-e.history)).AddDate(0, 0, 1)

	bars, err := e.source.GetBarsWithIndicators(ctx, symbol, from)
	if err != nil {
		return "", fmt.Errorf("read bars %s: %w", symbol, err)
	}

	dir := filepath.Join(e.root, symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, today.Format(model.DateLayout)+".csv")

	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeCSV(tmp, bars); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report %s: %w", symbol, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report %s: %w", symbol, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish report %s: %w", symbol, err)
	}

	slog.Info("report written", "symbol", symbol, "rows", len(bars), "path", path)
	return path, nil
}

func writeCSV(f *os.File, bars []model.DailyBar) error {
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			b.Symbol,
			b.DateString(),
			b.Open.String(),
			b.Close.String(),
			b.High.String(),
			b.Low.String(),
			formatNull(b.SMA),
			formatNull(b.RSI),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatNull(v null.Float) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}
