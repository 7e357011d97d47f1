package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"CoinChart/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// DefaultMaxBodyBytes is the response size cap of a new CoinOHLCFetcher.
const DefaultMaxBodyBytes = 32 << 20

// CoinOHLCFetcher implements Fetcher against the coin-ohlc REST endpoint.
type CoinOHLCFetcher struct {
	BaseURL  string
	Currency string
	Client   *http.Client
	// MaxRetries bounds retries of transient failures (timeouts, connection errors, 5xx).
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxBodyBytes caps a response body. A full-history answer is well under 1 MiB.
	MaxBodyBytes int64

	validate *validator.Validate
}

// NewCoinOHLCFetcher creates a fetcher with optional proxy support.
// timeout bounds each HTTP attempt.
func NewCoinOHLCFetcher(baseURL, currency, proxyURL string, timeout time.Duration, maxRetries int) *CoinOHLCFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if currency == "" {
		currency = "usd"
	}
	return &CoinOHLCFetcher{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Currency: strings.ToLower(currency),
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		MaxRetries:   maxRetries,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     5 * time.Second,
		MaxBodyBytes: DefaultMaxBodyBytes,
		validate:     validator.New(),
	}
}

func (f *CoinOHLCFetcher) Name() string { return "coin-ohlc" }

// wireQuote is one currency's OHLC block. Pointers distinguish missing fields from zero.
type wireQuote struct {
	Open  *float64 `json:"open" validate:"required"`
	High  *float64 `json:"high" validate:"required"`
	Low   *float64 `json:"low" validate:"required"`
	Close *float64 `json:"close" validate:"required"`
}

func (q wireQuote) quote() model.Quote {
	return model.Quote{Open: *q.Open, High: *q.High, Low: *q.Low, Close: *q.Close}
}

func (f *CoinOHLCFetcher) FetchOHLC(ctx context.Context, inst model.Instrument, days string) (model.Series, error) {
	endpoint := fmt.Sprintf("%s/coin-ohlc?productId=%d&days=%s", f.BaseURL, inst.ProductID, url.QueryEscape(days))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.RetryInitial
	b.MaxInterval = f.RetryMax
	b.MaxElapsedTime = 0
	retries := f.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	series, err := backoff.RetryWithData(func() (model.Series, error) {
		return f.fetchOnce(ctx, endpoint)
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", inst.ID, days, err)
	}
	return series, nil
}

func (f *CoinOHLCFetcher) fetchOnce(ctx context.Context, endpoint string) (model.Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.MaxBodyBytes {
		return nil, backoff.Permanent(fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, f.MaxBodyBytes))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.Permanent(&RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(body),
		})
	case resp.StatusCode >= 500:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	series, err := f.decode(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return series, nil
}

// decode accepts only a non-empty array whose every element carries a positive
// date and complete OHLC in the base currency. Nothing is partially accepted.
func (f *CoinOHLCFetcher) decode(body []byte) (model.Series, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}

	series := make(model.Series, 0, len(raw))
	for i, item := range raw {
		var date int64
		if err := json.Unmarshal(item["date"], &date); err != nil || date <= 0 {
			return nil, fmt.Errorf("%w: point %d: bad date", ErrMalformedResponse, i)
		}
		base, err := f.quote(item[f.Currency])
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %s: %v", ErrMalformedResponse, i, f.Currency, err)
		}
		p := model.PricePoint{Timestamp: date, Open: base.Open, High: base.High, Low: base.Low, Close: base.Close}

		others := make([]string, 0, len(item))
		for k := range item {
			if k != "date" && k != f.Currency {
				others = append(others, k)
			}
		}
		sort.Strings(others)
		for _, k := range others {
			if q, err := f.quote(item[k]); err == nil {
				p.Secondary = &q
				break
			}
		}
		series = append(series, p)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp < series[j].Timestamp })
	return series, nil
}

func (f *CoinOHLCFetcher) quote(raw json.RawMessage) (model.Quote, error) {
	if len(raw) == 0 {
		return model.Quote{}, errors.New("missing")
	}
	var wq wireQuote
	if err := json.Unmarshal(raw, &wq); err != nil {
		return model.Quote{}, err
	}
	if err := f.validate.Struct(wq); err != nil {
		return model.Quote{}, err
	}
	return wq.quote(), nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
