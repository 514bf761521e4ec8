package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"StockLedger/internal/model"
)

// Fetcher retrieves daily bars for one symbol from a market data provider.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, size model.OutputSize) (Stream, error)
	Name() string
}

// Stream is a one-shot forward iterator over fetched bars. It cannot be
// restarted; a retry performs a fresh Fetch.
type Stream interface {
	Next() bool
	Bar() model.DailyBar
	Err() error
	Close() error
}

// Options selects and configures a provider.
type Options struct {
	Provider string
	BaseURL  string
	APIKey   string
	Proxy    string
	Timeout  time.Duration
}

// New builds the fetcher named by opts.Provider.
func New(opts Options) (Fetcher, error) {
	switch opts.Provider {
	case "alphavantage":
		return NewAlphaVantageFetcher(opts.BaseURL, opts.APIKey, opts.Proxy, opts.Timeout), nil
	case "yahoo":
		return NewYahooFetcher(opts.BaseURL, opts.Proxy, opts.Timeout), nil
	case "mock":
		return NewMockFetcher(100), nil
	default:
		return nil, fmt.Errorf("unknown data source provider %q", opts.Provider)
	}
}

// ReadAll drains and closes s, returning bars in ascending date order.
// When a payload repeats a date, the last occurrence wins.
func ReadAll(s Stream) ([]model.DailyBar, error) {
	defer s.Close()

	var bars []model.DailyBar
	for s.Next() {
		bars = append(bars, s.Bar())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Date.Equal(b.Date) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// sliceStream serves bars that were decoded up front.
type sliceStream struct {
	bars []model.DailyBar
	pos  int
}

func newSliceStream(bars []model.DailyBar) *sliceStream {
	return &sliceStream{bars: bars, pos: -1}
}

func (s *sliceStream) Next() bool {
	if s.pos+1 >= len(s.bars) {
		s.pos = len(s.bars)
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Bar() model.DailyBar { return s.bars[s.pos] }
func (s *sliceStream) Err() error          { return nil }
func (s *sliceStream) Close() error        { return nil }

func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
