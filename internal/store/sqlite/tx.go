package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StockLedger/internal/model"
	"StockLedger/internal/store"
)

type tx struct {
	q querier
}

func (t *tx) GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error) {
	return getSymbol(ctx, t.q, symbol)
}

func (t *tx) GetBars(ctx context.Context, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	return getBars(ctx, t.q, symbol, from, lookbackDays)
}

func (t *tx) InsertBars(ctx context.Context, rows []model.DailyBar) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.q.PrepareContext(ctx, `INSERT INTO symbol_data (symbol, date, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range rows {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.DateString(), b.Open, b.High, b.Low, b.Close); err != nil {
			return fmt.Errorf("insert %s %s: %w", b.Symbol, b.DateString(), err)
		}
	}
	return nil
}

func (t *tx) UpsertBars(ctx context.Context, rows []model.DailyBar, policy store.ConflictPolicy) ([]model.DailyBar, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var query string
	switch policy {
	case store.ConflictIgnore:
		query = `INSERT INTO symbol_data (symbol, date, open, high, low, close)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO NOTHING`
	case store.ConflictOverwrite:
		query = `INSERT INTO symbol_data (symbol, date, open, high, low, close)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close`
	default:
		return nil, fmt.Errorf("unknown conflict policy %d", policy)
	}

	stmt, err := t.q.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var inserted []model.DailyBar
	for _, b := range rows {
		res, err := stmt.ExecContext(ctx, b.Symbol, b.DateString(), b.Open, b.High, b.Low, b.Close)
		if err != nil {
			return nil, fmt.Errorf("upsert %s %s: %w", b.Symbol, b.DateString(), err)
		}
		if policy != store.ConflictIgnore {
			continue
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			inserted = append(inserted, b)
		}
	}
	return inserted, nil
}

func (t *tx) UpdateIndicators(ctx context.Context, rows []model.IndicatorRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := t.q.PrepareContext(ctx, `UPDATE symbol_data SET sma = ?, rsi = ?
		WHERE symbol = ? AND date = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare update indicators: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, r.SMA, r.RSI, r.Symbol, r.Date.Format(model.DateLayout))
		if err != nil {
			return total, fmt.Errorf("update indicators %s %s: %w", r.Symbol, r.Date.Format(model.DateLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *tx) MarkInitialImportComplete(ctx context.Context, symbol string, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE symbols SET initial_import_at = ? WHERE symbol = ? AND initial_import_at IS NULL`,
		at.Unix(), symbol)
	if err != nil {
		return fmt.Errorf("mark import %s: %w", symbol, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := getSymbol(ctx, t.q, symbol); err != nil {
			return err
		}
		return store.ErrAlreadyImported
	}
	return nil
}

func (t *tx) MarkUpdated(ctx context.Context, symbol string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `UPDATE symbols SET last_update_at = ? WHERE symbol = ?`, at.Unix(), symbol)
	if err != nil {
		return fmt.Errorf("mark updated %s: %w", symbol, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func getSymbol(ctx context.Context, q querier, symbol string) (*model.Symbol, error) {
	var (
		s                    model.Symbol
		added                int64
		imported, lastUpdate sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `SELECT symbol, added_at, initial_import_at, last_update_at
		FROM symbols WHERE symbol = ?`, symbol).Scan(&s.Symbol, &added, &imported, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query symbol %s: %w", symbol, err)
	}
	s.AddedAt = time.Unix(added, 0).UTC()
	s.InitialImportAt = unixPtr(imported)
	s.LastUpdateAt = unixPtr(lastUpdate)
	return &s, nil
}

func getBars(ctx context.Context, q querier, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	if from.IsZero() {
		return queryBars(ctx, q, `SELECT symbol, date, open, high, low, close, sma, rsi
			FROM symbol_data WHERE symbol = ? ORDER BY date`, symbol)
	}
	start := store.LookbackStart(from, lookbackDays)
	return queryBars(ctx, q, `SELECT symbol, date, open, high, low, close, sma, rsi
		FROM symbol_data WHERE symbol = ? AND date >= ? ORDER BY date`,
		symbol, start.Format(model.DateLayout))
}

func querySymbols(ctx context.Context, q querier, query string, args ...any) ([]model.Symbol, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		var (
			s                    model.Symbol
			added                int64
			imported, lastUpdate sql.NullInt64
		)
		if err := rows.Scan(&s.Symbol, &added, &imported, &lastUpdate); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		s.AddedAt = time.Unix(added, 0).UTC()
		s.InitialImportAt = unixPtr(imported)
		s.LastUpdateAt = unixPtr(lastUpdate)
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryBars(ctx context.Context, q querier, query string, args ...any) ([]model.DailyBar, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.DailyBar
	for rows.Next() {
		var (
			b    model.DailyBar
			date string
		)
		if err := rows.Scan(&b.Symbol, &date, &b.Open, &b.High, &b.Low, &b.Close, &b.SMA, &b.RSI); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		if b.Date, err = model.ParseDate(date); err != nil {
			return nil, fmt.Errorf("parse stored date %q: %w", date, err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
