package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"StockLedger/internal/ingest"
)

const timeLayout = "2006-01-02 15:04"

// FormatAlert wraps an operator alert.
func FormatAlert(text string) string {
	return fmt.Sprintf("⚠️ <b>StockLedger alert</b>\n\n%s", html.EscapeString(text))
}

// FormatImport summarizes a finished initial import.
func FormatImport(r *ingest.ImportResult) string {
	return fmt.Sprintf("📥 <b>%s</b> imported\nbars: %d\nindicator rows: %d\ncompleted: %s",
		html.EscapeString(r.Symbol), r.Bars, r.IndicatorRows, r.CompletedAt.Format(timeLayout))
}

// FormatUpdate summarizes an incremental update.
func FormatUpdate(r *ingest.UpdateResult) string {
	if r.Skipped {
		return fmt.Sprintf("⏭ <b>%s</b> skipped: initial import not done yet", html.EscapeString(r.Symbol))
	}
	return fmt.Sprintf("🔄 <b>%s</b> updated\nfetched: %d\nrecomputed from: %s\nindicator rows: %d",
		html.EscapeString(r.Symbol), r.Fetched, r.From.Format("2006-01-02"), r.IndicatorRows)
}

// FormatSweep summarizes what a sweep queued.
func FormatSweep(r *ingest.SweepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 <b>%s</b>\n", r.Kind)
	fmt.Fprintf(&b, "due: %d | queued: %d | failed: %d\n", r.Due, len(r.Dispatched), len(r.Failed))
	if len(r.Failed) > 0 {
		syms := make([]string, 0, len(r.Failed))
		for s := range r.Failed {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		b.WriteString("\n")
		for _, s := range syms {
			fmt.Fprintf(&b, "  %s: %s\n", html.EscapeString(s), html.EscapeString(r.Failed[s]))
		}
	}
	return b.String()
}

// FormatStatus formats a symbol's bookkeeping and latest bar.
func FormatStatus(st *ingest.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>%s</b>\n\n", html.EscapeString(st.Symbol.Symbol))
	fmt.Fprintf(&b, "added: %s\n", st.Symbol.AddedAt.Format(timeLayout))
	fmt.Fprintf(&b, "initial import: %s\n", formatTime(st.Symbol.InitialImportAt))
	fmt.Fprintf(&b, "last update: %s\n", formatTime(st.Symbol.LastUpdateAt))
	if st.Latest == nil {
		b.WriteString("\nno recent bars")
		return b.String()
	}
	bar := st.Latest
	fmt.Fprintf(&b, "\n%s close %s (O %s H %s L %s)\n",
		bar.DateString(), bar.Close.StringFixed(2), bar.Open.StringFixed(2), bar.High.StringFixed(2), bar.Low.StringFixed(2))
	fmt.Fprintf(&b, "SMA: %s | RSI: %s", formatFloat(bar.SMA.Valid, bar.SMA.Float64), formatFloat(bar.RSI.Valid, bar.RSI.Float64))
	return b.String()
}

// FormatHelp lists the chat commands.
func FormatHelp() string {
	return strings.Join([]string{
		"<b>StockLedger commands</b>",
		"/import SYMBOL - run the initial import",
		"/update SYMBOL - run an incremental update",
		"/sweep - queue updates for all due symbols",
		"/reports - queue CSV reports for all symbols",
		"/status SYMBOL - show bookkeeping and latest bar",
	}, "\n")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(timeLayout)
}

func formatFloat(valid bool, v float64) string {
	if !valid {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}
