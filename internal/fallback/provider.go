// Package fallback serves small canned series used when neither the cache nor
// the price source can produce data.
package fallback

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"CoinChart/internal/model"

	"github.com/goccy/go-json"
)

//go:embed samples.json
var bundled []byte

type quote struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// bundle mirrors the price source's wire shape: each point has a date plus
// one OHLC block per currency.
type bundle struct {
	Default  string                                  `json:"default"`
	Currency string                                  `json:"currency"`
	Series   map[string][]map[string]json.RawMessage `json:"series"`
}

// Provider hands out fallback series by instrument id.
type Provider struct {
	series map[string]model.Series
	def    string
}

// New loads the bundled samples, then overlays the file at overridePath when
// it exists. An empty path uses the bundle alone.
func New(overridePath string) (*Provider, error) {
	p := &Provider{series: make(map[string]model.Series)}
	if err := p.merge(bundled); err != nil {
		return nil, fmt.Errorf("bundled samples: %w", err)
	}
	if overridePath == "" {
		return p, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if err := p.merge(data); err != nil {
		return nil, fmt.Errorf("%s: %w", overridePath, err)
	}
	return p, nil
}

// Parse builds a provider from a bundle document only, without the built-in samples.
func Parse(data []byte) (*Provider, error) {
	p := &Provider{series: make(map[string]model.Series)}
	if err := p.merge(data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) merge(data []byte) error {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	currency := strings.ToLower(b.Currency)
	if currency == "" {
		currency = "usd"
	}
	for id, items := range b.Series {
		s, err := toSeries(items, currency)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		if len(s) < 2 {
			return fmt.Errorf("%s: need at least 2 points, got %d", id, len(s))
		}
		p.series[strings.ToLower(id)] = s
	}
	if b.Default != "" {
		p.def = strings.ToLower(b.Default)
	}
	return nil
}

func toSeries(items []map[string]json.RawMessage, currency string) (model.Series, error) {
	s := make(model.Series, 0, len(items))
	for i, item := range items {
		var pt model.PricePoint
		if err := json.Unmarshal(item["date"], &pt.Timestamp); err != nil {
			return nil, fmt.Errorf("point %d: date: %w", i, err)
		}
		var base quote
		if err := json.Unmarshal(item[currency], &base); err != nil {
			return nil, fmt.Errorf("point %d: %s: %w", i, currency, err)
		}
		pt.Open, pt.High, pt.Low, pt.Close = base.Open, base.High, base.Low, base.Close

		others := make([]string, 0, len(item))
		for k := range item {
			if k != "date" && k != currency {
				others = append(others, k)
			}
		}
		sort.Strings(others)
		for _, k := range others {
			var q quote
			if json.Unmarshal(item[k], &q) == nil {
				pt.Secondary = &model.Quote{Open: q.Open, High: q.High, Low: q.Low, Close: q.Close}
				break
			}
		}
		s = append(s, pt)
	}
	return s.Normalize(), nil
}

// Fallback returns the canned series for id, or the default series for an
// unrecognized id. It reports false only when neither exists.
func (p *Provider) Fallback(id string) (model.Series, bool) {
	if s, ok := p.series[strings.ToLower(strings.TrimSpace(id))]; ok {
		return s.Clone(), true
	}
	if s, ok := p.series[p.def]; ok {
		return s.Clone(), true
	}
	return nil, false
}

// Instruments lists the ids with a dedicated series.
func (p *Provider) Instruments() []string {
	ids := make([]string, 0, len(p.series))
	for id := range p.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
