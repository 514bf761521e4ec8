package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"StockLedger/internal/collector"
	"StockLedger/internal/dispatch"
	"StockLedger/internal/metrics"
	"StockLedger/internal/model"
	"StockLedger/internal/report"
	"StockLedger/internal/store"
	"StockLedger/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	tasks   []dispatch.Task
	failFor map[string]error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t dispatch.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failFor[t.Symbol]; ok {
		return err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
	return nil
}

type fixture struct {
	store   *sqlite.Store
	fetcher *collector.MockFetcher
	disp    *recordingDispatcher
	metrics *metrics.Metrics
	ctrl    *Controller
	now     time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		fetcher: collector.NewMockFetcher(100),
		disp:    &recordingDispatcher{},
		metrics: metrics.New(prometheus.NewRegistry()),
		now:     time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	ex := report.NewExporter(st, t.TempDir(), 0).WithClock(clock)
	f.ctrl = NewController(st, f.fetcher, f.disp, ex, f.metrics, opts).WithClock(clock)
	return f
}

func (f *fixture) add(t *testing.T, symbol string) {
	t.Helper()
	if _, err := f.store.AddSymbol(context.Background(), symbol, f.now); err != nil {
		t.Fatalf("add %s: %v", symbol, err)
	}
}

func (f *fixture) importWith(t *testing.T, symbol string, bars []model.DailyBar) *ImportResult {
	t.Helper()
	f.add(t, symbol)
	f.fetcher.SetBars(symbol, model.OutputFull, bars)
	res, err := f.ctrl.InitialImport(context.Background(), symbol)
	if err != nil {
		t.Fatalf("import %s: %v", symbol, err)
	}
	return res
}

// series returns n daily bars starting at start with rising closes and a
// one-point same-day gain.
func series(symbol string, start time.Time, n int, base float64) []model.DailyBar {
	bars := make([]model.DailyBar, n)
	for i := range bars {
		c := base + float64(i)
		bars[i] = model.DailyBar{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Open:   decimal.NewFromFloat(c - 1),
			High:   decimal.NewFromFloat(c + 0.5),
			Low:    decimal.NewFromFloat(c - 1.5),
			Close:  decimal.NewFromFloat(c),
		}
	}
	return bars
}

func acmeBars() []model.DailyBar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opens := []float64{9, 11, 12, 11, 14}
	closes := []float64{10, 12, 11, 13, 15}
	bars := make([]model.DailyBar, len(closes))
	for i := range closes {
		bars[i] = model.DailyBar{
			Symbol: "ACME",
			Date:   start.AddDate(0, 0, i),
			Open:   decimal.NewFromFloat(opens[i]),
			High:   decimal.NewFromFloat(math.Max(opens[i], closes[i])),
			Low:    decimal.NewFromFloat(math.Min(opens[i], closes[i])),
			Close:  decimal.NewFromFloat(closes[i]),
		}
	}
	// providers deliver newest first
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars
}

func allBars(t *testing.T, f *fixture, symbol string) []model.DailyBar {
	t.Helper()
	bars, err := f.store.GetBars(context.Background(), symbol, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return bars
}

func TestInitialImport_AcmeScenario(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3, LookbackMultiplier: 2})

	res := f.importWith(t, "ACME", acmeBars())
	if res.Bars != 5 || res.IndicatorRows != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	bars := allBars(t, f, "ACME")
	if len(bars) != 5 {
		t.Fatalf("expected 5 stored bars, got %d", len(bars))
	}
	for i := 0; i < 2; i++ {
		if bars[i].SMA.Valid || bars[i].RSI.Valid {
			t.Errorf("row %d should have null indicators", i)
		}
	}
	if got := bars[2].SMA.Float64; math.Abs(got-11) > 1e-9 {
		t.Errorf("SMA@2 = %v, want 11", got)
	}
	if got := bars[2].RSI.Float64; math.Abs(got-66.6667) > 1e-3 {
		t.Errorf("RSI@2 = %v, want 66.67", got)
	}

	sym, _ := f.store.GetSymbol(context.Background(), "ACME")
	if sym.InitialImportAt == nil || sym.LastUpdateAt == nil {
		t.Fatalf("timestamps not set: %+v", sym)
	}
	if f.fetcher.Calls("ACME") != 1 {
		t.Errorf("fetch calls = %d", f.fetcher.Calls("ACME"))
	}
}

func TestInitialImport_Duplicate(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	first := f.importWith(t, "ACME", acmeBars())

	_, err := f.ctrl.InitialImport(context.Background(), "ACME")
	var dup *DuplicateImportError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateImportError, got %v", err)
	}
	if !dup.CompletedAt.Equal(first.CompletedAt) {
		t.Errorf("CompletedAt = %v, want %v", dup.CompletedAt, first.CompletedAt)
	}
	if f.fetcher.Calls("ACME") != 1 {
		t.Errorf("duplicate import must not fetch, calls = %d", f.fetcher.Calls("ACME"))
	}
	if n := len(allBars(t, f, "ACME")); n != 5 {
		t.Errorf("duplicate import wrote rows: %d", n)
	}
}

func TestInitialImport_ConcurrentCallsImportOnce(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.add(t, "ACME")
	f.fetcher.SetBars("ACME", model.OutputFull, acmeBars())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ctrl.InitialImport(context.Background(), "ACME")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		var d *DuplicateImportError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &d):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("ok=%d dup=%d, want 1 and 1", ok, dup)
	}
	if n := len(allBars(t, f, "ACME")); n != 5 {
		t.Errorf("expected 5 rows, got %d", n)
	}
}

// racedStore commits a competing import just before each transaction and
// hands fn a Tx whose symbol reads miss it.
type racedStore struct {
	*sqlite.Store
	winnerAt time.Time
}

func (s *racedStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.MarkInitialImportComplete(ctx, "ACME", s.winnerAt)
	})
	if err != nil {
		return err
	}
	return s.Store.InTx(ctx, func(tx store.Tx) error { return fn(staleTx{tx}) })
}

type staleTx struct{ store.Tx }

func (t staleTx) GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error) {
	sym, err := t.Tx.GetSymbol(ctx, symbol)
	if err == nil {
		sym.InitialImportAt = nil
	}
	return sym, err
}

func TestInitialImport_LostRaceReportsStoredCompletion(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.add(t, "ACME")
	f.fetcher.SetBars("ACME", model.OutputFull, acmeBars())

	winnerAt := f.now.Add(-time.Hour)
	st := &racedStore{Store: f.store, winnerAt: winnerAt}
	clock := func() time.Time { return f.now }
	ex := report.NewExporter(f.store, t.TempDir(), 0).WithClock(clock)
	ctrl := NewController(st, f.fetcher, f.disp, ex, f.metrics, Options{WindowSize: 3}).WithClock(clock)

	_, err := ctrl.InitialImport(context.Background(), "ACME")
	var dup *DuplicateImportError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateImportError, got %v", err)
	}
	if !dup.CompletedAt.Equal(winnerAt) {
		t.Errorf("CompletedAt = %v, want stored %v", dup.CompletedAt, winnerAt)
	}
	if n := len(allBars(t, f, "ACME")); n != 0 {
		t.Errorf("losing import wrote %d rows", n)
	}
}

func TestUnknownSymbol(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.ctrl.InitialImport(context.Background(), "NOPE")
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := f.ctrl.IncrementalUpdate(context.Background(), "NOPE"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError from update, got %v", err)
	}
	if f.fetcher.Calls("NOPE") != 0 {
		t.Error("unknown symbol must not be fetched")
	}
}

func TestIncrementalUpdate_BeforeImportIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.add(t, "ACME")

	res, err := f.ctrl.IncrementalUpdate(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Skipped {
		t.Error("expected skipped result")
	}
	if f.fetcher.Calls("ACME") != 0 {
		t.Error("no fetch expected before import")
	}
	if n := len(allBars(t, f, "ACME")); n != 0 {
		t.Errorf("no rows expected, got %d", n)
	}
}

func TestIncrementalUpdate_OverlapAndIdempotency(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3, LookbackMultiplier: 2})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.now = time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC)
	f.importWith(t, "ACME", series("ACME", start, 5, 10))

	// compact window overlaps days 4-5, revises day 5 and adds days 6-7
	f.now = time.Date(2024, 3, 7, 20, 0, 0, 0, time.UTC)
	compact := series("ACME", start.AddDate(0, 0, 3), 4, 13)
	compact[1].Close = decimal.NewFromFloat(20)
	f.fetcher.SetBars("ACME", model.OutputCompact, compact)

	first, err := f.ctrl.IncrementalUpdate(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	after1 := allBars(t, f, "ACME")

	if len(after1) != 7 {
		t.Fatalf("expected 7 unique rows, got %d", len(after1))
	}
	if !after1[4].Close.Equal(decimal.NewFromFloat(20)) {
		t.Errorf("revised close not applied: %s", after1[4].Close)
	}
	if first.From.Format(model.DateLayout) != "2024-03-05" {
		t.Errorf("recompute boundary = %s, want previous refresh day", first.From.Format(model.DateLayout))
	}
	for i := 4; i < 7; i++ {
		if !after1[i].SMA.Valid || !after1[i].RSI.Valid {
			t.Errorf("row %s missing indicators", after1[i].DateString())
		}
	}
	wantSMA := (20.0 + 15 + 16) / 3
	if got := after1[6].SMA.Float64; math.Abs(got-wantSMA) > 1e-9 {
		t.Errorf("SMA on last day = %v, want %v", got, wantSMA)
	}

	if _, err := f.ctrl.IncrementalUpdate(context.Background(), "ACME"); err != nil {
		t.Fatalf("second update: %v", err)
	}
	after2 := allBars(t, f, "ACME")
	if len(after2) != len(after1) {
		t.Fatalf("row count changed on retry: %d -> %d", len(after1), len(after2))
	}
	for i := range after1 {
		a, b := after1[i], after2[i]
		if !a.Close.Equal(b.Close) || a.SMA != b.SMA || a.RSI != b.RSI {
			t.Errorf("row %s changed on retry: %+v -> %+v", a.DateString(), a, b)
		}
	}
}

func TestIncrementalUpdate_FetchFailureWritesNothing(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.now = time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)
	f.importWith(t, "ACME", acmeBars())
	before, _ := f.store.GetSymbol(context.Background(), "ACME")

	f.now = f.now.AddDate(0, 0, 1)
	f.fetcher.SetError("ACME", &collector.FetchError{Provider: "mock", Symbol: "ACME", Err: errors.New("timeout")})

	_, err := f.ctrl.IncrementalUpdate(context.Background(), "ACME")
	if Classify(err) != FailureTransientFetch {
		t.Fatalf("expected transient fetch failure, got %v", err)
	}
	after, _ := f.store.GetSymbol(context.Background(), "ACME")
	if !after.LastUpdateAt.Equal(*before.LastUpdateAt) {
		t.Error("last_update_at advanced despite failed fetch")
	}
}

func TestUpdateSymbols_FailureIsolated(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3, LookbackMultiplier: 2})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	f.now = t0
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		f.importWith(t, sym, series(sym, start, 8, 10))
		f.fetcher.SetBars(sym, model.OutputCompact, series(sym, start.AddDate(0, 0, 5), 4, 15))
	}
	f.fetcher.SetError("BBB", &collector.FetchError{Provider: "mock", Symbol: "BBB", Err: errors.New("503")})

	t1 := t0.AddDate(0, 0, 1)
	f.now = t1

	pool := dispatch.NewPool(dispatch.Config{Workers: 2, MaxRetries: 1, BaseBackoff: time.Millisecond}, f.metrics)
	var (
		mu      sync.Mutex
		results = map[string]error{}
	)
	pool.OnResult = func(r dispatch.Result) {
		mu.Lock()
		results[r.Task.Symbol] = r.Err
		mu.Unlock()
	}
	f.ctrl.dispatcher = pool
	pool.Start(context.Background(), f.ctrl.Handle)

	rep, err := f.ctrl.UpdateSymbols(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	pool.Stop()

	if rep.Due != 3 || len(rep.Dispatched) != 3 || len(rep.Failed) != 0 {
		t.Fatalf("unexpected sweep report: %+v", rep)
	}
	if results["AAA"] != nil || results["CCC"] != nil {
		t.Errorf("healthy symbols failed: %v", results)
	}
	if Classify(results["BBB"]) != FailureTransientFetch {
		t.Errorf("BBB should fail with a transient fetch error, got %v", results["BBB"])
	}
	if f.fetcher.Calls("BBB") != 1+1+1 {
		t.Errorf("BBB fetched %d times, want import + compact + one retry", f.fetcher.Calls("BBB"))
	}

	for sym, want := range map[string]time.Time{"AAA": t1, "BBB": t0, "CCC": t1} {
		s, _ := f.store.GetSymbol(context.Background(), sym)
		if !s.LastUpdateAt.Equal(want) {
			t.Errorf("%s last_update_at = %v, want %v", sym, s.LastUpdateAt, want)
		}
	}

	// everything is fresh for today now except BBB
	rep, err = f.ctrl.UpdateSymbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 1 {
		t.Errorf("expected only BBB due, got %+v", rep)
	}
}

func TestUpdateSymbols_BatchAndDispatchFailure(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3, BatchSize: 2})
	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		f.importWith(t, sym, series(sym, start, 5, 10))
	}
	f.now = f.now.AddDate(0, 0, 1)
	f.disp.failFor = map[string]error{"AAA": errors.New("queue full")}

	rep, err := f.ctrl.UpdateSymbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 2 {
		t.Fatalf("batch size not applied: %+v", rep)
	}
	if _, ok := rep.Failed["AAA"]; !ok || len(rep.Dispatched) != 1 || rep.Dispatched[0] != "BBB" {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestUpdateSymbols_StaleAfter(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3, StaleAfter: 6 * time.Hour})
	f.importWith(t, "ACME", acmeBars())

	f.now = f.now.Add(5 * time.Hour)
	rep, _ := f.ctrl.UpdateSymbols(context.Background())
	if rep.Due != 0 {
		t.Errorf("symbol refreshed 5h ago should not be due: %+v", rep)
	}

	f.now = f.now.Add(2 * time.Hour)
	rep, _ = f.ctrl.UpdateSymbols(context.Background())
	if rep.Due != 1 || f.disp.tasks[0].Kind != dispatch.KindUpdateSymbol {
		t.Errorf("symbol refreshed 7h ago should be due: %+v", rep)
	}
}

func TestGenerateReports_AllSymbols(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.importWith(t, "ACME", acmeBars())
	f.add(t, "NEWCO")

	rep, err := f.ctrl.GenerateReports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Due != 2 || len(f.disp.tasks) != 2 {
		t.Fatalf("expected a report task per symbol: %+v", rep)
	}
	for _, task := range f.disp.tasks {
		if err := f.ctrl.Handle(context.Background(), task); err != nil {
			t.Errorf("report %s: %v", task.Symbol, err)
		}
	}
}

func TestHandle_DuplicateImportIsNotAFailure(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.importWith(t, "ACME", acmeBars())

	if err := f.ctrl.Handle(context.Background(), dispatch.NewTask(dispatch.KindInitialImport, "ACME")); err != nil {
		t.Errorf("duplicate import should be swallowed, got %v", err)
	}
}

func TestHandle_IntegrityFailureAlerts(t *testing.T) {
	f := newFixture(t, Options{})
	alerts := &recordingAlerter{}
	f.ctrl.SetAlerter(alerts)
	f.add(t, "ACME")
	f.fetcher.SetError("ACME", &collector.IntegrityError{Provider: "mock", Symbol: "ACME", Field: "close", Err: errors.New("bad")})

	err := f.ctrl.Handle(context.Background(), dispatch.NewTask(dispatch.KindInitialImport, "ACME"))
	if Classify(err) != FailureDataIntegrity {
		t.Fatalf("expected integrity failure, got %v", err)
	}
	if len(alerts.msgs) != 1 {
		t.Errorf("expected one alert, got %v", alerts.msgs)
	}
	sym, _ := f.store.GetSymbol(context.Background(), "ACME")
	if sym.Imported() {
		t.Error("failed import must leave the symbol unimported")
	}
}

func TestHandle_UnknownKind(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.ctrl.Handle(context.Background(), dispatch.Task{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Options{})

	created, err := f.ctrl.Register(context.Background(), "ACME")
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if len(f.disp.tasks) != 1 || f.disp.tasks[0].Kind != dispatch.KindInitialImport {
		t.Fatalf("expected an import task, got %+v", f.disp.tasks)
	}

	created, err = f.ctrl.Register(context.Background(), "ACME")
	if err != nil || created {
		t.Fatalf("second register: created=%v err=%v", created, err)
	}
	if len(f.disp.tasks) != 1 {
		t.Error("existing symbol should not queue another import")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Options{WindowSize: 3})
	f.importWith(t, "ACME", acmeBars())

	st, err := f.ctrl.Status(context.Background(), "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if st.Latest == nil || st.Latest.DateString() != "2024-01-05" {
		t.Errorf("unexpected latest bar: %+v", st.Latest)
	}
	if _, err := f.ctrl.Status(context.Background(), "NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRecomputeFrom(t *testing.T) {
	day := func(s string) time.Time { d, _ := model.ParseDate(s); return d }
	ts := func(s string) *time.Time { d := day(s).Add(15 * time.Hour); return &d }
	bar := func(s string) []model.DailyBar { return []model.DailyBar{{Date: day(s)}} }

	tests := []struct {
		name    string
		last    *time.Time
		fetched []model.DailyBar
		want    string
	}{
		{"updated today", ts("2024-03-10"), bar("2024-01-01"), "2024-03-10"},
		{"missed sweeps", ts("2024-03-07"), bar("2024-01-01"), "2024-03-07"},
		{"gap older than window", ts("2023-01-01"), bar("2024-02-01"), "2024-02-01"},
		{"no previous update", nil, bar("2024-01-01"), "2024-03-10"},
		{"empty payload", ts("2024-03-07"), nil, "2024-03-07"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recomputeFrom(day("2024-03-10"), tt.last, tt.fetched)
			if got.Format(model.DateLayout) != tt.want {
				t.Errorf("got %s, want %s", got.Format(model.DateLayout), tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{&NotFoundError{Symbol: "X"}, FailureNotFound},
		{&DuplicateImportError{Symbol: "X"}, FailureDuplicateImport},
		{&collector.FetchError{Err: errors.New("x")}, FailureTransientFetch},
		{&collector.IntegrityError{Err: errors.New("x")}, FailureDataIntegrity},
		{context.DeadlineExceeded, FailureTransientFetch},
		{errors.New("disk full"), FailureInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
