package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"StockLedger/internal/dispatch"
	"StockLedger/internal/ingest"
	"StockLedger/internal/model"
	"StockLedger/internal/recorder"
	"StockLedger/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// recentDays is how many calendar days GET /symbols/:symbol returns.
const recentDays = 100

// Reader is the read side of the store used by the API.
type Reader interface {
	GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error)
	ListSymbols(ctx context.Context) ([]model.Symbol, error)
	GetBarsWithIndicators(ctx context.Context, symbol string, from time.Time) ([]model.DailyBar, error)
}

// Handler serves the symbol, sweep and task history endpoints.
type Handler struct {
	ctrl    *ingest.Controller
	store   Reader
	history recorder.Recorder
	now     func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(ctrl *ingest.Controller, st Reader, history recorder.Recorder) *Handler {
	return &Handler{ctrl: ctrl, store: st, history: history, now: time.Now}
}

type barResponse struct {
	Date  string          `json:"date"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
	SMA   null.Float      `json:"sma"`
	RSI   null.Float      `json:"rsi"`
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListSymbols returns imported symbols ordered by ticker.
// GET /api/v1/symbols
func (h *Handler) ListSymbols(c *gin.Context) {
	all, err := h.store.ListSymbols(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	imported := make([]model.Symbol, 0, len(all))
	for _, s := range all {
		if s.Imported() {
			imported = append(imported, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": imported})
}

// GetSymbol returns a symbol with its recent bars, newest first.
// GET /api/v1/symbols/:symbol
func (h *Handler) GetSymbol(c *gin.Context) {
	symbol := c.GetString(symbolKey)
	ctx := c.Request.Context()

	sym, err := h.store.GetSymbol(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found"})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	bars, err := h.store.GetBarsWithIndicators(ctx, symbol, model.Day(h.now()).AddDate(0, 0, -recentDays))
	if err != nil {
		h.internalError(c, err)
		return
	}
	data := make([]barResponse, len(bars))
	for i, b := range bars {
		data[len(bars)-1-i] = barResponse{
			Date:  b.DateString(),
			Open:  b.Open,
			High:  b.High,
			Low:   b.Low,
			Close: b.Close,
			SMA:   b.SMA,
			RSI:   b.RSI,
		}
	}
	c.JSON(http.StatusOK, gin.H{"symbol": sym, "data": data})
}

// AddSymbol registers a symbol and queues its initial import.
// POST /api/v1/symbols/:symbol
func (h *Handler) AddSymbol(c *gin.Context) {
	symbol := c.GetString(symbolKey)
	created, err := h.ctrl.Register(c.Request.Context(), symbol)
	if !created && err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol already exists"})
		return
	}
	if !created {
		h.internalError(c, err)
		return
	}

	task := "queued"
	if err != nil {
		slog.Error("initial import not queued", "symbol", symbol, "error", err)
		task = "not_queued"
	}
	c.JSON(http.StatusCreated, gin.H{"symbol": symbol, "initial_import": task})
}

// ImportSymbol queues an initial import for a registered symbol.
// POST /api/v1/symbols/:symbol/import
func (h *Handler) ImportSymbol(c *gin.Context) {
	h.queue(c, h.ctrl.RequestImport, dispatch.KindInitialImport)
}

// UpdateSymbol queues an incremental update.
// POST /api/v1/symbols/:symbol/update
func (h *Handler) UpdateSymbol(c *gin.Context) {
	h.queue(c, h.ctrl.RequestUpdate, dispatch.KindUpdateSymbol)
}

func (h *Handler) queue(c *gin.Context, request func(context.Context, string) error, kind dispatch.Kind) {
	symbol := c.GetString(symbolKey)
	ctx := c.Request.Context()

	if _, err := h.store.GetSymbol(ctx, symbol); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	if err := request(ctx, symbol); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"symbol": symbol, "task": kind})
}

// UpdateSweep queues updates for every due symbol.
// POST /api/v1/sweeps/update
func (h *Handler) UpdateSweep(c *gin.Context) {
	h.sweep(c, h.ctrl.UpdateSymbols)
}

// ReportSweep queues a report for every registered symbol.
// POST /api/v1/sweeps/report
func (h *Handler) ReportSweep(c *gin.Context) {
	h.sweep(c, h.ctrl.GenerateReports)
}

func (h *Handler) sweep(c *gin.Context, run func(context.Context) (*ingest.SweepReport, error)) {
	rep, err := run(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rep)
}

// ListTasks returns recent task outcomes, newest first.
// GET /api/v1/tasks?symbol=ACME&limit=50
func (h *Handler) ListTasks(c *gin.Context) {
	var symbol string
	if q := c.Query("symbol"); q != "" {
		sym, err := model.NormalizeSymbol(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		symbol = sym
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	runs, err := h.history.Recent(c.Request.Context(), symbol, limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
