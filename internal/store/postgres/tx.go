package postgres

import (
	"context"
	"fmt"
	"time"

	"StockLedger/internal/model"
	"StockLedger/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tx struct {
	db *gorm.DB
}

// GetSymbol locks the symbol row until the transaction ends.
func (t *tx) GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error) {
	return getSymbol(t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), symbol)
}

func (t *tx) GetBars(ctx context.Context, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	return getBars(t.db.WithContext(ctx), symbol, from, lookbackDays)
}

func (t *tx) InsertBars(ctx context.Context, rows []model.DailyBar) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]barRecord, len(rows))
	for i, b := range rows {
		recs[i] = fromBar(b)
	}
	if err := t.db.WithContext(ctx).CreateInBatches(recs, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert bars %s: %w", rows[0].Symbol, err)
	}
	return nil
}

func (t *tx) UpsertBars(ctx context.Context, rows []model.DailyBar, policy store.ConflictPolicy) ([]model.DailyBar, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	switch policy {
	case store.ConflictIgnore:
		var inserted []model.DailyBar
		for _, b := range rows {
			rec := fromBar(b)
			res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return nil, fmt.Errorf("upsert %s %s: %w", b.Symbol, b.DateString(), res.Error)
			}
			if res.RowsAffected == 1 {
				inserted = append(inserted, b)
			}
		}
		return inserted, nil

	case store.ConflictOverwrite:
		recs := make([]barRecord, len(rows))
		for i, b := range rows {
			recs[i] = fromBar(b)
		}
		err := t.db.WithContext(ctx).
			Omit("sma", "rsi").
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close"}),
			}).
			CreateInBatches(recs, insertBatchSize).Error
		if err != nil {
			return nil, fmt.Errorf("upsert bars %s: %w", rows[0].Symbol, err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown conflict policy %d", policy)
	}
}

func (t *tx) UpdateIndicators(ctx context.Context, rows []model.IndicatorRow) (int64, error) {
	var total int64
	for _, r := range rows {
		res := t.db.WithContext(ctx).
			Model(&barRecord{}).
			Where("symbol = ? AND date = ?", r.Symbol, model.Day(r.Date)).
			Updates(map[string]any{"sma": r.SMA, "rsi": r.RSI})
		if res.Error != nil {
			return total, fmt.Errorf("update indicators %s %s: %w", r.Symbol, r.Date.Format(model.DateLayout), res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (t *tx) MarkInitialImportComplete(ctx context.Context, symbol string, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&symbolRecord{}).
		Where("symbol = ? AND initial_import_at IS NULL", symbol).
		Update("initial_import_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("mark import %s: %w", symbol, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := getSymbol(t.db.WithContext(ctx), symbol); err != nil {
			return err
		}
		return store.ErrAlreadyImported
	}
	return nil
}

func (t *tx) MarkUpdated(ctx context.Context, symbol string, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&symbolRecord{}).
		Where("symbol = ?", symbol).
		Update("last_update_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("mark updated %s: %w", symbol, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
