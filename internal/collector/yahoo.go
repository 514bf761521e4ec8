package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"StockLedger/internal/model"

	"github.com/shopspring/decimal"
)

const (
	yahooURL = "https://query1.finance.yahoo.com"
	// compactBars is roughly what a compact provider window holds.
	compactBars = 100
)

// YahooFetcher implements Fetcher using Yahoo Finance public API.
type YahooFetcher struct {
	BaseURL   string
	Client    *http.Client
	SymbolMap map[string]string // maps internal symbol to Yahoo ticker
}

// NewYahooFetcher creates a new Yahoo Finance fetcher.
func NewYahooFetcher(baseURL, proxyURL string, timeout time.Duration) *YahooFetcher {
	if baseURL == "" {
		baseURL = yahooURL
	}
	return &YahooFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  newHTTPClient(proxyURL, timeout),
		SymbolMap: map[string]string{
			"SPX500": "^GSPC",
			"SPX":    "^GSPC",
			"SP500":  "^GSPC",
		},
	}
}

func (f *YahooFetcher) Name() string { return "yahoo" }

func (f *YahooFetcher) yahooSymbol(symbol string) string {
	if mapped, ok := f.SymbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// yahooChart is the response structure from Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open  []*float64 `json:"open"`
					High  []*float64 `json:"high"`
					Low   []*float64 `json:"low"`
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch downloads the whole chart and serves it as a stream. FULL maps to
// range=max; COMPACT fetches six months and keeps the newest 100 bars.
func (f *YahooFetcher) Fetch(ctx context.Context, symbol string, size model.OutputSize) (Stream, error) {
	rng := "6mo"
	if size == model.OutputFull {
		rng = "max"
	}
	bars, err := f.fetchChart(ctx, symbol, rng)
	if err != nil {
		return nil, err
	}
	if size != model.OutputFull && len(bars) > compactBars {
		bars = bars[len(bars)-compactBars:]
	}
	return newSliceStream(bars), nil
}

func (f *YahooFetcher) fetchChart(ctx context.Context, symbol, rng string) ([]model.DailyBar, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=%s",
		f.BaseURL, url.PathEscape(f.yahooSymbol(symbol)), rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body: %.200s", string(body))}
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, &IntegrityError{Provider: f.Name(), Symbol: symbol, Err: fmt.Errorf("decode: %w", err)}
	}
	if chart.Chart.Error != nil {
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, Err: errors.New(chart.Chart.Error.Description)}
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, &IntegrityError{Provider: f.Name(), Symbol: symbol, Err: errors.New("no chart result")}
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	n := len(result.Timestamp)
	if len(quote.Open) != n || len(quote.High) != n || len(quote.Low) != n || len(quote.Close) != n {
		return nil, &IntegrityError{Provider: f.Name(), Symbol: symbol, Err: errors.New("quote arrays differ in length")}
	}

	bars := make([]model.DailyBar, 0, n)
	for i, ts := range result.Timestamp {
		fields := [4]*float64{quote.Open[i], quote.High[i], quote.Low[i], quote.Close[i]}
		missing := 0
		for _, v := range fields {
			if v == nil {
				missing++
			}
		}
		if missing == len(fields) {
			continue // non-trading placeholder
		}
		if missing > 0 {
			return nil, &IntegrityError{Provider: f.Name(), Symbol: symbol, Line: i + 1,
				Err: errors.New("partially null quote")}
		}
		bars = append(bars, model.DailyBar{
			Symbol: symbol,
			Date:   model.Day(time.Unix(ts, 0)),
			Open:   decimal.NewFromFloat(*fields[0]),
			High:   decimal.NewFromFloat(*fields[1]),
			Low:    decimal.NewFromFloat(*fields[2]),
			Close:  decimal.NewFromFloat(*fields[3]),
		})
	}
	return bars, nil
}
