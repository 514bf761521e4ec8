package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"StockLedger/internal/model"

	"github.com/gin-gonic/gin"
)

const symbolKey = "symbol"

// NewRouter builds the gin engine with all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		symbols := v1.Group("/symbols")
		{
			symbols.GET("", h.ListSymbols)
			symbols.GET("/:symbol", normalizeSymbol(), h.GetSymbol)
			symbols.POST("/:symbol", normalizeSymbol(), h.AddSymbol)
			symbols.POST("/:symbol/import", normalizeSymbol(), h.ImportSymbol)
			symbols.POST("/:symbol/update", normalizeSymbol(), h.UpdateSymbol)
		}

		v1.GET("/tasks", h.ListTasks)

		sweeps := v1.Group("/sweeps")
		{
			sweeps.POST("/update", h.UpdateSweep)
			sweeps.POST("/report", h.ReportSweep)
		}
	}
	return router
}

// normalizeSymbol validates the :symbol path parameter and stores the
// upper-cased ticker in the context.
func normalizeSymbol() gin.HandlerFunc {
	return func(c *gin.Context) {
		sym, err := model.NormalizeSymbol(c.Param("symbol"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Set(symbolKey, sym)
		c.Next()
	}
}

// requestLogger logs failed or slow requests.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		if status >= 400 || duration > time.Second {
			slog.Warn("http request", "method", c.Request.Method, "path", path, "status", status, "duration", duration)
			return
		}
		slog.Debug("http request", "method", c.Request.Method, "path", path, "status", status, "duration", duration)
	}
}

// Server wraps the gin engine in an http.Server.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates an API server on addr.
func NewServer(addr string, router *gin.Engine) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("api server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
