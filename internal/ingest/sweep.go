package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StockLedger/internal/dispatch"
	"StockLedger/internal/model"
	"StockLedger/internal/store"
)

// SweepReport lists what a sweep dispatched. Task outcomes arrive later
// through the dispatcher; Failed only holds symbols that could not be queued.
type SweepReport struct {
	Kind       dispatch.Kind     `json:"kind"`
	Due        int               `json:"due"`
	Dispatched []string          `json:"dispatched"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// UpdateSymbols dispatches one update task per symbol that is due.
func (c *Controller) UpdateSymbols(ctx context.Context) (*SweepReport, error) {
	due, err := c.store.ListSymbolsDueForUpdate(ctx, c.staleBefore(c.now()), c.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due symbols: %w", err)
	}
	symbols := make([]string, len(due))
	for i, s := range due {
		symbols[i] = s.Symbol
	}
	return c.fanOut(ctx, dispatch.KindUpdateSymbol, symbols), nil
}

// GenerateReports dispatches one report task per registered symbol.
func (c *Controller) GenerateReports(ctx context.Context) (*SweepReport, error) {
	all, err := c.store.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	symbols := make([]string, len(all))
	for i, s := range all {
		symbols[i] = s.Symbol
	}
	return c.fanOut(ctx, dispatch.KindGenerateReport, symbols), nil
}

// staleBefore is the cutoff for ListSymbolsDueForUpdate.
func (c *Controller) staleBefore(now time.Time) time.Time {
	if c.opts.StaleAfter > 0 {
		return now.Add(-c.opts.StaleAfter)
	}
	return model.Day(now)
}

func (c *Controller) fanOut(ctx context.Context, kind dispatch.Kind, symbols []string) *SweepReport {
	rep := &SweepReport{Kind: kind, Due: len(symbols), Dispatched: []string{}}
	for _, sym := range symbols {
		if err := c.dispatcher.Dispatch(ctx, dispatch.NewTask(kind, sym)); err != nil {
			if rep.Failed == nil {
				rep.Failed = make(map[string]string)
			}
			rep.Failed[sym] = err.Error()
			c.metrics.SweepDispatch.WithLabelValues(string(kind), "failed").Inc()
			slog.Error("sweep dispatch failed", c.attrs(ctx, "kind", kind, "symbol", sym, "error", err)...)
			continue
		}
		rep.Dispatched = append(rep.Dispatched, sym)
		c.metrics.SweepDispatch.WithLabelValues(string(kind), "queued").Inc()
	}
	slog.Info("sweep dispatched", c.attrs(ctx, "kind", kind, "due", rep.Due,
		"dispatched", len(rep.Dispatched), "failed", len(rep.Failed))...)
	return rep
}

// RequestImport queues an initial import for symbol.
func (c *Controller) RequestImport(ctx context.Context, symbol string) error {
	return c.dispatcher.Dispatch(ctx, dispatch.NewTask(dispatch.KindInitialImport, symbol))
}

// RequestUpdate queues an incremental update for symbol.
func (c *Controller) RequestUpdate(ctx context.Context, symbol string) error {
	return c.dispatcher.Dispatch(ctx, dispatch.NewTask(dispatch.KindUpdateSymbol, symbol))
}

// Register adds symbol and queues its initial import when it is new.
func (c *Controller) Register(ctx context.Context, symbol string) (bool, error) {
	created, err := c.store.AddSymbol(ctx, symbol, c.now().UTC())
	if err != nil {
		return false, fmt.Errorf("register %s: %w", symbol, err)
	}
	if !created {
		return false, nil
	}
	slog.Info("symbol registered", c.attrs(ctx, "symbol", symbol)...)
	if err := c.RequestImport(ctx, symbol); err != nil {
		return true, fmt.Errorf("queue import %s: %w", symbol, err)
	}
	return true, nil
}

// Status is a symbol with its most recent bar, if any.
type Status struct {
	Symbol model.Symbol    `json:"symbol"`
	Latest *model.DailyBar `json:"latest,omitempty"`
}

// Status returns bookkeeping and the latest stored bar for symbol.
func (c *Controller) Status(ctx context.Context, symbol string) (*Status, error) {
	sym, err := c.store.GetSymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Symbol: symbol}
		}
		return nil, err
	}
	st := &Status{Symbol: *sym}

	bars, err := c.store.GetBarsWithIndicators(ctx, symbol, model.Day(c.now()).AddDate(0, 0, -14))
	if err != nil {
		return nil, err
	}
	if n := len(bars); n > 0 {
		st.Latest = &bars[n-1]
	}
	return st, nil
}

// Handle executes a dispatched task. It is the dispatch.Handler for both the
// in-process pool and the Redis consumer.
func (c *Controller) Handle(ctx context.Context, t dispatch.Task) error {
	var err error
	switch t.Kind {
	case dispatch.KindInitialImport:
		_, err = c.InitialImport(ctx, t.Symbol)
	case dispatch.KindUpdateSymbol:
		_, err = c.IncrementalUpdate(ctx, t.Symbol)
	case dispatch.KindGenerateReport:
		var path string
		if path, err = c.exporter.Export(ctx, t.Symbol); err == nil {
			c.metrics.ReportsWritten.Inc()
			slog.Debug("report exported", c.attrs(ctx, "symbol", t.Symbol, "path", path)...)
		}
	case dispatch.KindUpdateSweep:
		_, err = c.UpdateSymbols(ctx)
	case dispatch.KindReportSweep:
		_, err = c.GenerateReports(ctx)
	default:
		err = fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if err == nil {
		return nil
	}

	kind := Classify(err)
	c.metrics.FailuresTotal.WithLabelValues(string(kind)).Inc()

	switch kind {
	case FailureDuplicateImport:
		slog.Warn("initial import already done", c.attrs(ctx, "symbol", t.Symbol, "error", err)...)
		return nil
	case FailureDataIntegrity:
		c.alert(ctx, t, err)
	}
	return err
}

func (c *Controller) alert(ctx context.Context, t dispatch.Task, cause error) {
	if c.alerter == nil {
		return
	}
	text := fmt.Sprintf("%s for %s rejected: %v", t.Kind, t.Symbol, cause)
	if err := c.alerter.Alert(ctx, text); err != nil {
		slog.Error("alert failed", c.attrs(ctx, "symbol", t.Symbol, "error", err)...)
	}
}
