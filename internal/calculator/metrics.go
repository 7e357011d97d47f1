package calculator

import (
	"errors"
	"strings"
	"time"

	"CoinChart/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Multipliers for the display estimates derived from the latest close.
var (
	marketCapFactor = decimal.NewFromInt(19_000_000)
	volumeFactor    = decimal.NewFromInt(500_000)
	athFactor       = decimal.RequireFromString("1.2")
)

// PriceChangePercent returns (last close - first open) / first open * 100.
// It is 0 for fewer than two points or a zero first open.
func PriceChangePercent(s model.Series) float64 {
	if len(s) < 2 {
		return 0
	}
	first, last := s.First(), s.Last()
	if first.Open == 0 {
		return 0
	}
	return (last.Close - first.Open) / first.Open * 100
}

// ToChartSeries projects s into parallel candle and line series of the same length and order.
func ToChartSeries(s model.Series) model.ChartSeries {
	cs := model.ChartSeries{
		Candles: make([]model.Candle, len(s)),
		Line:    make([]model.LinePoint, len(s)),
	}
	for i, p := range s {
		cs.Candles[i] = model.Candle{Timestamp: p.Timestamp, Open: p.Open, High: p.High, Low: p.Low, Close: p.Close}
		cs.Line[i] = model.LinePoint{Timestamp: p.Timestamp, Value: p.Close}
	}
	return cs
}

// EstimateMarketData derives display approximations from the latest close.
// These are heuristics for a chart screen, not financial figures.
func EstimateMarketData(symbol string, lastClose float64) model.MarketData {
	c := decimal.NewFromFloat(lastClose)
	return model.MarketData{
		MarketCap:         formatAmount(c.Mul(marketCapFactor)),
		Volume24h:         formatAmount(c.Mul(volumeFactor)),
		CirculatingSupply: strings.ToUpper(symbol),
		AllTimeHigh:       formatAmount(c.Mul(athFactor)),
	}
}

func formatAmount(d decimal.Decimal) string {
	return humanize.Commaf(d.Round(2).InexactFloat64())
}

// BuildChartResult assembles the consumer payload from a raw series.
// The chart projections use the display-sampled series; price change and
// period range use the full raw series.
func BuildChartResult(inst model.Instrument, tf model.Timeframe, raw model.Series, source model.DataSource, storedAt time.Time, maxPoints int) (*model.ChartResult, error) {
	if len(raw) == 0 {
		return nil, errors.New("no points provided")
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	display := Sample(raw, maxPoints)
	current := raw.Last().Close

	symbol := inst.Symbol
	if symbol == "" {
		symbol = inst.ID
	}
	market := EstimateMarketData(symbol, current)
	if high, low, err := SeriesRange(raw); err == nil {
		market.PeriodHigh = high
		market.PeriodLow = low
		if pos, err := RangePosition(current, high, low); err == nil {
			market.PeriodPosition = pos
		}
	}

	return &model.ChartResult{
		Instrument:         inst,
		Timeframe:          tf,
		ChartSeries:        ToChartSeries(display),
		CurrentPrice:       current,
		PriceChangePercent: PriceChangePercent(raw),
		MarketData:         market,
		Indicators:         ComputeIndicators(raw, display),
		DataSource:         source,
		RawPoints:          len(raw),
		DisplayPoints:      len(display),
		StoredAt:           storedAt,
	}, nil
}
