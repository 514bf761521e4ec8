// Package store defines the persistence boundary for symbols and their
// daily bars. Implementations live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"StockLedger/internal/model"
)

// ErrNotFound is returned when a symbol is not registered.
var ErrNotFound = errors.New("store: symbol not found")

// ErrAlreadyImported is returned when an initial import is marked twice.
var ErrAlreadyImported = errors.New("store: initial import already completed")

// ConflictPolicy decides what UpsertBars does with an existing (symbol, date).
type ConflictPolicy int

const (
	// ConflictIgnore keeps stored OHLC values and reports only new rows.
	ConflictIgnore ConflictPolicy = iota
	// ConflictOverwrite replaces stored OHLC values with the incoming ones.
	ConflictOverwrite
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictIgnore:
		return "ignore"
	case ConflictOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// GetSymbol returns ErrNotFound for unknown symbols. Inside a
	// transaction the symbol row stays locked until commit or rollback.
	GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error)

	// GetBars returns bars in ascending date order. A zero from returns the
	// full history; otherwise bars start lookbackDays calendar days before from.
	GetBars(ctx context.Context, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error)
}

// Tx is a per-symbol unit of work. Writes are visible to other callers only
// after the enclosing InTx returns nil.
type Tx interface {
	Reader

	InsertBars(ctx context.Context, rows []model.DailyBar) error

	// UpsertBars returns the newly inserted rows under ConflictIgnore and nil
	// under ConflictOverwrite.
	UpsertBars(ctx context.Context, rows []model.DailyBar, policy ConflictPolicy) ([]model.DailyBar, error)

	// UpdateIndicators writes sma/rsi onto existing rows only and returns the
	// number of rows touched.
	UpdateIndicators(ctx context.Context, rows []model.IndicatorRow) (int64, error)

	MarkInitialImportComplete(ctx context.Context, symbol string, at time.Time) error
	MarkUpdated(ctx context.Context, symbol string, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	Reader

	ListSymbols(ctx context.Context) ([]model.Symbol, error)

	// ListSymbolsDueForUpdate returns imported symbols last updated before
	// staleBefore (or never), least recently updated first. limit <= 0 means all.
	ListSymbolsDueForUpdate(ctx context.Context, staleBefore time.Time, limit int) ([]model.Symbol, error)

	// AddSymbol registers a symbol; created is false when it already existed.
	AddSymbol(ctx context.Context, symbol string, at time.Time) (created bool, err error)

	// GetBarsWithIndicators returns bars dated on or after from, ascending.
	GetBarsWithIndicators(ctx context.Context, symbol string, from time.Time) ([]model.DailyBar, error)

	// InTx runs fn in a transaction, committing on nil and rolling back on
	// error, panic or context cancellation.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// LookbackStart returns the first calendar date GetBars must include for a
// bounded read.
func LookbackStart(from time.Time, lookbackDays int) time.Time {
	return model.Day(from).AddDate(0, 0, -lookbackDays)
}
