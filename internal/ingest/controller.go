// Package ingest drives the per-symbol import and update cycles: fetch from
// the provider, persist bars, recompute indicators and fan out sweeps.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StockLedger/internal/calculator"
	"StockLedger/internal/collector"
	"StockLedger/internal/dispatch"
	"StockLedger/internal/logger"
	"StockLedger/internal/metrics"
	"StockLedger/internal/model"
	"StockLedger/internal/store"
)

// Options tunes indicator windows and sweep selection.
type Options struct {
	WindowSize         int
	LookbackMultiplier int
	// StaleAfter > 0 marks symbols due when their last update is older than
	// this; 0 means "not updated today".
	StaleAfter time.Duration
	// BatchSize caps symbols per update sweep; 0 means all due.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = calculator.DefaultWindow
	}
	if o.LookbackMultiplier < 1 {
		o.LookbackMultiplier = 2
	}
	return o
}

// Exporter writes a report for one symbol.
type Exporter interface {
	Export(ctx context.Context, symbol string) (string, error)
}

// Alerter notifies an operator about failures that need attention.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Controller runs ingestion operations. It holds no per-symbol state between
// calls; each operation reads what it needs from the store.
type Controller struct {
	store      store.Store
	fetcher    collector.Fetcher
	dispatcher dispatch.Dispatcher
	exporter   Exporter
	metrics    *metrics.Metrics
	opts       Options
	alerter    Alerter
	now        func() time.Time
}

// NewController wires the controller. dispatcher receives fan-out tasks.
func NewController(st store.Store, f collector.Fetcher, d dispatch.Dispatcher, ex Exporter, m *metrics.Metrics, opts Options) *Controller {
	return &Controller{
		store:      st,
		fetcher:    f,
		dispatcher: d,
		exporter:   ex,
		metrics:    m,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// SetAlerter enables operator alerts for data integrity failures.
func (c *Controller) SetAlerter(a Alerter) {
	c.alerter = a
}

// ImportResult summarizes a completed initial import.
type ImportResult struct {
	Symbol        string    `json:"symbol"`
	Bars          int       `json:"bars"`
	IndicatorRows int64     `json:"indicator_rows"`
	CompletedAt   time.Time `json:"completed_at"`
}

// UpdateResult summarizes an incremental update. Skipped is set when the
// symbol has no completed import yet.
type UpdateResult struct {
	Symbol        string    `json:"symbol"`
	Fetched       int       `json:"fetched"`
	IndicatorRows int64     `json:"indicator_rows"`
	From          time.Time `json:"from"`
	UpdatedAt     time.Time `json:"updated_at"`
	Skipped       bool      `json:"skipped"`
}

// InitialImport loads the full history of a registered symbol once.
func (c *Controller) InitialImport(ctx context.Context, symbol string) (*ImportResult, error) {
	sym, err := c.store.GetSymbol(ctx, symbol)
	if err := importable(symbol, sym, err); err != nil {
		return nil, err
	}

	slog.Info("running initial import", c.attrs(ctx, "symbol", symbol)...)
	bars, err := c.fetch(ctx, symbol, model.OutputFull)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	res := &ImportResult{Symbol: symbol, Bars: len(bars), CompletedAt: now}

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		sym, err := tx.GetSymbol(ctx, symbol)
		if err := importable(symbol, sym, err); err != nil {
			return err
		}
		if err := tx.InsertBars(ctx, bars); err != nil {
			return err
		}
		if err := tx.MarkInitialImportComplete(ctx, symbol, now); err != nil {
			return err
		}
		if err := tx.MarkUpdated(ctx, symbol, now); err != nil {
			return err
		}

		all, err := tx.GetBars(ctx, symbol, time.Time{}, 0)
		if err != nil {
			return err
		}
		res.IndicatorRows, err = tx.UpdateIndicators(ctx, calculator.Compute(all, c.opts.WindowSize))
		return err
	})
	if errors.Is(err, store.ErrAlreadyImported) {
		err = c.duplicateImport(ctx, symbol, now)
	}
	if err != nil {
		return nil, fmt.Errorf("initial import %s: %w", symbol, err)
	}

	c.metrics.BarsWritten.WithLabelValues("insert").Add(float64(res.Bars))
	c.metrics.IndicatorRows.Add(float64(res.IndicatorRows))
	slog.Info("initial import complete",
		c.attrs(ctx, "symbol", symbol, "rows", res.Bars, "indicator_rows", res.IndicatorRows)...)
	return res, nil
}

func importable(symbol string, sym *model.Symbol, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Symbol: symbol}
	case err != nil:
		return fmt.Errorf("load symbol %s: %w", symbol, err)
	case sym.Imported():
		return &DuplicateImportError{Symbol: symbol, CompletedAt: *sym.InitialImportAt}
	}
	return nil
}

// duplicateImport reports the stored completion time of an import that won
// the conditional update against this one.
func (c *Controller) duplicateImport(ctx context.Context, symbol string, fallback time.Time) error {
	completed := fallback
	if sym, err := c.store.GetSymbol(ctx, symbol); err == nil && sym.Imported() {
		completed = *sym.InitialImportAt
	} else if err != nil {
		slog.Warn("reload imported symbol", c.attrs(ctx, "symbol", symbol, "error", err)...)
	}
	return &DuplicateImportError{Symbol: symbol, CompletedAt: completed}
}

// IncrementalUpdate merges the provider's compact window into the stored
// series and recomputes indicators from the recompute boundary onward.
func (c *Controller) IncrementalUpdate(ctx context.Context, symbol string) (*UpdateResult, error) {
	sym, err := c.store.GetSymbol(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Symbol: symbol}
	}
	if err != nil {
		return nil, fmt.Errorf("load symbol %s: %w", symbol, err)
	}
	if !sym.Imported() {
		slog.Info("skipping update before initial import", c.attrs(ctx, "symbol", symbol)...)
		return &UpdateResult{Symbol: symbol, Skipped: true}, nil
	}

	slog.Info("running update", c.attrs(ctx, "symbol", symbol)...)
	bars, err := c.fetch(ctx, symbol, model.OutputCompact)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	res := &UpdateResult{Symbol: symbol, Fetched: len(bars), UpdatedAt: now}

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		sym, err := tx.GetSymbol(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Symbol: symbol}
		}
		if err != nil {
			return err
		}
		if !sym.Imported() {
			res.Skipped = true
			return nil
		}

		from := recomputeFrom(model.Day(now), sym.LastUpdateAt, bars)
		res.From = from

		if _, err := tx.UpsertBars(ctx, bars, store.ConflictOverwrite); err != nil {
			return err
		}
		if err := tx.MarkUpdated(ctx, symbol, now); err != nil {
			return err
		}

		window, err := tx.GetBars(ctx, symbol, from, c.lookbackDays())
		if err != nil {
			return err
		}
		rows := calculator.Compute(window, c.opts.WindowSize)
		res.IndicatorRows, err = tx.UpdateIndicators(ctx, since(rows, from))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", symbol, err)
	}
	if res.Skipped {
		return res, nil
	}

	c.metrics.BarsWritten.WithLabelValues("upsert").Add(float64(res.Fetched))
	c.metrics.IndicatorRows.Add(float64(res.IndicatorRows))
	slog.Info("update complete", c.attrs(ctx, "symbol", symbol, "rows", res.Fetched,
		"indicator_rows", res.IndicatorRows, "from", res.From.Format(model.DateLayout))...)
	return res, nil
}

// recomputeFrom picks the first date whose indicators are rewritten. It is
// today, pulled back to the previous refresh day after missed sweeps but
// never before the first fetched bar.
func recomputeFrom(today time.Time, lastUpdate *time.Time, fetched []model.DailyBar) time.Time {
	from := today
	if lastUpdate != nil {
		if prev := model.Day(*lastUpdate); prev.Before(from) {
			from = prev
		}
	}
	if len(fetched) > 0 {
		if first := model.Day(fetched[0].Date); first.After(from) && first.Before(today) {
			from = first
		}
	}
	return from
}

func since(rows []model.IndicatorRow, from time.Time) []model.IndicatorRow {
	for i, r := range rows {
		if !r.Date.Before(from) {
			return rows[i:]
		}
	}
	return nil
}

func (c *Controller) lookbackDays() int {
	return c.opts.WindowSize * c.opts.LookbackMultiplier
}

func (c *Controller) fetch(ctx context.Context, symbol string, size model.OutputSize) ([]model.DailyBar, error) {
	start := time.Now()
	defer func() {
		c.metrics.FetchDuration.WithLabelValues(c.fetcher.Name(), string(size)).Observe(time.Since(start).Seconds())
	}()

	stream, err := c.fetcher.Fetch(ctx, symbol, size)
	if err != nil {
		return nil, err
	}
	bars, err := collector.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	for i := range bars {
		bars[i].Symbol = symbol
		bars[i].SMA.Valid = false
		bars[i].RSI.Valid = false
	}
	return bars, nil
}

func (c *Controller) attrs(ctx context.Context, kv ...any) []any {
	return append(logger.Attrs(ctx), kv...)
}
