package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"StockLedger/internal/ingest"
	"StockLedger/internal/model"
	"StockLedger/internal/notifier"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the periodic sweeps and exposes the manual trigger
// surface used by chat commands.
type Scheduler struct {
	Cron       *cron.Cron
	Controller *ingest.Controller
	Notifier   *notifier.TelegramNotifier
	Ctx        context.Context
}

// NewScheduler creates a new Scheduler. tn may be nil when chat is disabled.
func NewScheduler(ctx context.Context, ctrl *ingest.Controller, tn *notifier.TelegramNotifier) *Scheduler {
	return &Scheduler{
		Cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		Controller: ctrl,
		Notifier:   tn,
		Ctx:        ctx,
	}
}

// RegisterAll registers the update sweep and the report sweep.
func (s *Scheduler) RegisterAll(updateCron, reportCron string) error {
	if _, err := s.Cron.AddFunc(updateCron, s.updateSweepTask); err != nil {
		return fmt.Errorf("register update sweep: %w", err)
	}
	if _, err := s.Cron.AddFunc(reportCron, s.reportSweepTask); err != nil {
		return fmt.Errorf("register report sweep: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	slog.Info("scheduler started", "entries", len(s.Cron.Entries()))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// RunInitialImport imports symbol synchronously.
func (s *Scheduler) RunInitialImport(symbol string) (*ingest.ImportResult, error) {
	return s.Controller.InitialImport(s.Ctx, symbol)
}

// RunIncrementalUpdate updates symbol synchronously.
func (s *Scheduler) RunIncrementalUpdate(symbol string) (*ingest.UpdateResult, error) {
	return s.Controller.IncrementalUpdate(s.Ctx, symbol)
}

// RunUpdateSweep queues updates for every due symbol.
func (s *Scheduler) RunUpdateSweep() (*ingest.SweepReport, error) {
	return s.Controller.UpdateSymbols(s.Ctx)
}

// RunReportSweep queues a report for every registered symbol.
func (s *Scheduler) RunReportSweep() (*ingest.SweepReport, error) {
	return s.Controller.GenerateReports(s.Ctx)
}

func (s *Scheduler) updateSweepTask() {
	rep, err := s.RunUpdateSweep()
	if err != nil {
		slog.Error("update sweep failed", "error", err)
		s.trySend(notifier.FormatAlert(fmt.Sprintf("update sweep failed: %v", err)))
		return
	}
	if len(rep.Failed) > 0 {
		s.trySend(notifier.FormatSweep(rep))
	}
}

func (s *Scheduler) reportSweepTask() {
	rep, err := s.RunReportSweep()
	if err != nil {
		slog.Error("report sweep failed", "error", err)
		s.trySend(notifier.FormatAlert(fmt.Sprintf("report sweep failed: %v", err)))
		return
	}
	s.trySend(notifier.FormatSweep(rep))
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return notifier.FormatHelp()
	}
	// Telegram appends @botname to commands in group chats.
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/sweep":
		rep, err := s.RunUpdateSweep()
		if err != nil {
			return replyError(err)
		}
		return notifier.FormatSweep(rep)
	case "/reports":
		rep, err := s.RunReportSweep()
		if err != nil {
			return replyError(err)
		}
		return notifier.FormatSweep(rep)
	case "/import", "/update", "/status":
	default:
		return notifier.FormatHelp()
	}

	if len(fields) != 2 {
		return fmt.Sprintf("usage: %s SYMBOL", cmd)
	}
	symbol, err := model.NormalizeSymbol(fields[1])
	if err != nil {
		return replyError(err)
	}

	switch cmd {
	case "/import":
		res, err := s.RunInitialImport(symbol)
		if err != nil {
			return replyError(err)
		}
		return notifier.FormatImport(res)
	case "/update":
		res, err := s.RunIncrementalUpdate(symbol)
		if err != nil {
			return replyError(err)
		}
		return notifier.FormatUpdate(res)
	default:
		st, err := s.Controller.Status(ctx, symbol)
		if err != nil {
			return replyError(err)
		}
		return notifier.FormatStatus(st)
	}
}

func replyError(err error) string {
	var dup *ingest.DuplicateImportError
	if errors.As(err, &dup) {
		return fmt.Sprintf("%s was already imported at %s", dup.Symbol, dup.CompletedAt.Format("2006-01-02 15:04"))
	}
	return "❌ " + err.Error()
}

func (s *Scheduler) trySend(text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		slog.Error("send notification failed", "error", err)
	}
}
