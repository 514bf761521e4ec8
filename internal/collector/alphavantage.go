package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
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

const alphaVantageURL = "https://www.alphavantage.co"

// csvColumns are the columns every TIME_SERIES_DAILY csv payload must carry.
var csvColumns = []string{"timestamp", "open", "high", "low", "close"}

// AlphaVantageFetcher implements Fetcher using the TIME_SERIES_DAILY csv API.
type AlphaVantageFetcher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewAlphaVantageFetcher creates a fetcher with optional proxy support.
func NewAlphaVantageFetcher(baseURL, apiKey, proxyURL string, timeout time.Duration) *AlphaVantageFetcher {
	if baseURL == "" {
		baseURL = alphaVantageURL
	}
	return &AlphaVantageFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  newHTTPClient(proxyURL, timeout),
	}
}

func (f *AlphaVantageFetcher) Name() string { return "alphavantage" }

// Fetch issues the request and reads the csv header. Rows are decoded lazily
// as the returned stream is advanced.
func (f *AlphaVantageFetcher) Fetch(ctx context.Context, symbol string, size model.OutputSize) (Stream, error) {
	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", symbol)
	q.Set("outputsize", string(size))
	q.Set("apikey", f.APIKey)
	q.Set("datatype", "csv")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body: %s", strings.TrimSpace(string(body)))}
	}

	br := bufio.NewReader(resp.Body)
	if isJSONBody(br) {
		defer resp.Body.Close()
		return nil, &FetchError{Provider: f.Name(), Symbol: symbol, Err: decodeProviderMessage(br)}
	}

	s := &csvStream{
		body:     resp.Body,
		reader:   csv.NewReader(br),
		provider: f.Name(),
		symbol:   symbol,
	}
	s.reader.ReuseRecord = true
	if err := s.readHeader(); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return s, nil
}

// isJSONBody reports whether the payload is a JSON object instead of csv.
// Alpha Vantage answers throttling and bad requests with HTTP 200 and JSON.
func isJSONBody(br *bufio.Reader) bool {
	for i := 1; ; i++ {
		peek, err := br.Peek(i)
		if len(peek) < i || err != nil {
			return false
		}
		switch c := peek[i-1]; c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c == '{'
		}
	}
}

func decodeProviderMessage(r io.Reader) error {
	var msg map[string]any
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &msg); err != nil {
		return fmt.Errorf("unexpected json body: %w", err)
	}
	for _, key := range []string{"Error Message", "Note", "Information"} {
		if v, ok := msg[key]; ok {
			return fmt.Errorf("%s: %v", strings.ToLower(key), v)
		}
	}
	return errors.New("unexpected json body")
}

type csvStream struct {
	body     io.ReadCloser
	reader   *csv.Reader
	provider string
	symbol   string

	cols map[string]int
	line int
	cur  model.DailyBar
	err  error
	done bool
}

func (s *csvStream) readHeader() error {
	header, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return &IntegrityError{Provider: s.provider, Symbol: s.symbol, Err: errors.New("empty payload")}
	}
	if err != nil {
		return s.readError(err)
	}
	s.line = 1

	s.cols = make(map[string]int, len(header))
	for i, name := range header {
		s.cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, c := range csvColumns {
		if _, ok := s.cols[c]; !ok {
			return &IntegrityError{Provider: s.provider, Symbol: s.symbol, Line: 1, Field: c,
				Err: errors.New("missing column")}
		}
	}
	return nil
}

func (s *csvStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	rec, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		s.done = true
		return false
	}
	if err != nil {
		s.err = s.readError(err)
		return false
	}
	s.line++

	bar, err := s.parse(rec)
	if err != nil {
		s.err = err
		return false
	}
	s.cur = bar
	return true
}

func (s *csvStream) parse(rec []string) (model.DailyBar, error) {
	field := func(name string) string { return strings.TrimSpace(rec[s.cols[name]]) }
	fail := func(name string, err error) error {
		return &IntegrityError{Provider: s.provider, Symbol: s.symbol, Line: s.line, Field: name, Err: err}
	}

	date, err := model.ParseDate(field("timestamp"))
	if err != nil {
		return model.DailyBar{}, fail("timestamp", err)
	}

	var prices [4]decimal.Decimal
	for i, name := range csvColumns[1:] {
		raw := field(name)
		if raw == "" {
			return model.DailyBar{}, fail(name, errors.New("empty value"))
		}
		if prices[i], err = decimal.NewFromString(raw); err != nil {
			return model.DailyBar{}, fail(name, err)
		}
	}

	return model.DailyBar{
		Symbol: s.symbol,
		Date:   date,
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
	}, nil
}

// readError separates malformed csv from a connection dropped mid-body.
func (s *csvStream) readError(err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &IntegrityError{Provider: s.provider, Symbol: s.symbol, Line: perr.Line, Err: err}
	}
	return &FetchError{Provider: s.provider, Symbol: s.symbol, Err: err}
}

func (s *csvStream) Bar() model.DailyBar { return s.cur }
func (s *csvStream) Err() error          { return s.err }
func (s *csvStream) Close() error        { return s.body.Close() }
