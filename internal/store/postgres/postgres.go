// Package postgres implements store.Store on PostgreSQL through GORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StockLedger/internal/model"
	"StockLedger/internal/store"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const insertBatchSize = 500

type symbolRecord struct {
	Symbol          string     `gorm:"column:symbol;primaryKey;size:16"`
	AddedAt         time.Time  `gorm:"column:added_at;type:timestamptz;not null"`
	InitialImportAt *time.Time `gorm:"column:initial_import_at;type:timestamptz"`
	LastUpdateAt    *time.Time `gorm:"column:last_update_at;type:timestamptz;index"`
}

func (symbolRecord) TableName() string { return "symbols" }

type barRecord struct {
	Symbol string          `gorm:"column:symbol;primaryKey;size:16"`
	Date   time.Time       `gorm:"column:date;primaryKey;type:date"`
	Open   decimal.Decimal `gorm:"column:open;type:numeric(20,6);not null"`
	High   decimal.Decimal `gorm:"column:high;type:numeric(20,6);not null"`
	Low    decimal.Decimal `gorm:"column:low;type:numeric(20,6);not null"`
	Close  decimal.Decimal `gorm:"column:close;type:numeric(20,6);not null"`
	SMA    null.Float      `gorm:"column:sma;type:double precision"`
	RSI    null.Float      `gorm:"column:rsi;type:double precision"`
}

func (barRecord) TableName() string { return "symbol_data" }

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	ConnMaxIdleTime time.Duration
}

// Store persists symbols and bars to PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies the connection and migrates the schema.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.AutoMigrate(&symbolRecord{}, &barRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("postgres store opened")
	return &Store{db: db}, nil
}

func (s *Store) GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error) {
	return getSymbol(s.db.WithContext(ctx), symbol)
}

func (s *Store) GetBars(ctx context.Context, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	return getBars(s.db.WithContext(ctx), symbol, from, lookbackDays)
}

func (s *Store) ListSymbols(ctx context.Context) ([]model.Symbol, error) {
	var recs []symbolRecord
	if err := s.db.WithContext(ctx).Order("symbol").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return toSymbols(recs), nil
}

func (s *Store) ListSymbolsDueForUpdate(ctx context.Context, staleBefore time.Time, limit int) ([]model.Symbol, error) {
	q := s.db.WithContext(ctx).
		Where("initial_import_at IS NOT NULL").
		Where("last_update_at IS NULL OR last_update_at < ?", staleBefore).
		Order("last_update_at ASC NULLS FIRST").
		Order("symbol")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []symbolRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list due symbols: %w", err)
	}
	return toSymbols(recs), nil
}

func (s *Store) AddSymbol(ctx context.Context, symbol string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&symbolRecord{Symbol: symbol, AddedAt: at.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("insert symbol %s: %w", symbol, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetBarsWithIndicators(ctx context.Context, symbol string, from time.Time) ([]model.DailyBar, error) {
	var recs []barRecord
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND date >= ?", symbol, model.Day(from)).
		Order("date").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", symbol, err)
	}
	return toBars(recs), nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx})
	})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	slog.Info("closing postgres store")
	return sqlDB.Close()
}

func getSymbol(db *gorm.DB, symbol string) (*model.Symbol, error) {
	var rec symbolRecord
	err := db.Where("symbol = ?", symbol).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query symbol %s: %w", symbol, err)
	}
	sym := toSymbol(rec)
	return &sym, nil
}

func getBars(db *gorm.DB, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	q := db.Where("symbol = ?", symbol)
	if !from.IsZero() {
		q = q.Where("date >= ?", store.LookbackStart(from, lookbackDays))
	}
	var recs []barRecord
	if err := q.Order("date").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query bars %s: %w", symbol, err)
	}
	return toBars(recs), nil
}

func toSymbol(r symbolRecord) model.Symbol {
	return model.Symbol{
		Symbol:          r.Symbol,
		AddedAt:         r.AddedAt.UTC(),
		InitialImportAt: utcPtr(r.InitialImportAt),
		LastUpdateAt:    utcPtr(r.LastUpdateAt),
	}
}

func toSymbols(recs []symbolRecord) []model.Symbol {
	out := make([]model.Symbol, len(recs))
	for i, r := range recs {
		out[i] = toSymbol(r)
	}
	return out
}

func toBars(recs []barRecord) []model.DailyBar {
	out := make([]model.DailyBar, len(recs))
	for i, r := range recs {
		out[i] = model.DailyBar{
			Symbol: r.Symbol,
			Date:   model.Day(r.Date),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			SMA:    r.SMA,
			RSI:    r.RSI,
		}
	}
	return out
}

func fromBar(b model.DailyBar) barRecord {
	return barRecord{
		Symbol: b.Symbol,
		Date:   model.Day(b.Date),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		SMA:    b.SMA,
		RSI:    b.RSI,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
