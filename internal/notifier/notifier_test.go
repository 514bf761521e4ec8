package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"StockLedger/internal/ingest"
	"StockLedger/internal/model"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

func newTestNotifier(url string) *TelegramNotifier {
	n := NewTelegramNotifier("TOKEN", "42", "")
	n.APIBase = url
	n.Backoff = time.Millisecond
	return n
}

func TestSendPostsHTMLMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "hello" || got["parse_mode"] != "HTML" {
		t.Errorf("payload = %v", got)
	}
}

func TestSendWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).SendWithRetry(context.Background(), "x", 3); err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSendWithRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).SendWithRetry(context.Background(), "x", 2)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want 502 failure", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestAlertEscapesText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Alert(context.Background(), "close <nil> for ACME"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if !strings.Contains(got["text"], "close &lt;nil&gt; for ACME") {
		t.Errorf("text = %q", got["text"])
	}
}

func TestStartPollingDispatchesCommands(t *testing.T) {
	var (
		mu      sync.Mutex
		replies []string
		served  atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			if served.Swap(true) {
				<-r.Context().Done()
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":[
				{"update_id":1,"message":{"text":" /status ACME ","chat":{"id":42}}},
				{"update_id":2,"message":{"text":"/sweep","chat":{"id":7}}}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			replies = append(replies, body["text"])
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		newTestNotifier(srv.URL).StartPolling(ctx, func(_ context.Context, cmd string) string {
			handled = append(handled, cmd)
			return "ok " + cmd
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(replies)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(handled) != 1 || handled[0] != "/status ACME" {
		t.Errorf("handled = %v, want only the configured chat's command", handled)
	}
	if len(replies) != 1 || replies[0] != "ok /status ACME" {
		t.Errorf("replies = %v", replies)
	}
}

func TestFormatters(t *testing.T) {
	at := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)

	if got := FormatUpdate(&ingest.UpdateResult{Symbol: "ACME", Skipped: true}); !strings.Contains(got, "skipped") {
		t.Errorf("FormatUpdate skipped = %q", got)
	}
	if got := FormatImport(&ingest.ImportResult{Symbol: "ACME", Bars: 300, CompletedAt: at}); !strings.Contains(got, "bars: 300") {
		t.Errorf("FormatImport = %q", got)
	}

	sweep := FormatSweep(&ingest.SweepReport{
		Kind:       "update_sweep",
		Due:        3,
		Dispatched: []string{"AAA"},
		Failed:     map[string]string{"CCC": "queue full", "BBB": "closed"},
	})
	if !strings.Contains(sweep, "due: 3 | queued: 1 | failed: 2") {
		t.Errorf("FormatSweep = %q", sweep)
	}
	if strings.Index(sweep, "BBB") > strings.Index(sweep, "CCC") {
		t.Errorf("failed symbols not sorted: %q", sweep)
	}

	status := FormatStatus(&ingest.Status{
		Symbol: model.Symbol{Symbol: "ACME", AddedAt: at, InitialImportAt: &at},
		Latest: &model.DailyBar{
			Symbol: "ACME",
			Date:   time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
			Open:   decimal.RequireFromString("10"),
			High:   decimal.RequireFromString("11"),
			Low:    decimal.RequireFromString("9.5"),
			Close:  decimal.RequireFromString("10.25"),
			SMA:    null.FloatFrom(10.1),
		},
	})
	for _, want := range []string{"last update: never", "2024-03-06 close 10.25", "SMA: 10.10", "RSI: n/a"} {
		if !strings.Contains(status, want) {
			t.Errorf("FormatStatus missing %q in %q", want, status)
		}
	}
}
