package model

import "time"

// Candle is the candlestick projection of one point.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// LinePoint is the line projection of one point.
type LinePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// ChartSeries holds the two parallel projections of a display series.
type ChartSeries struct {
	Candles []Candle    `json:"candles"`
	Line    []LinePoint `json:"line"`
}

// MarketData holds display estimates derived from the latest close.
// The figures are approximations and not suitable for financial decisions.
type MarketData struct {
	MarketCap         string  `json:"marketCap"`
	Volume24h         string  `json:"volume24h"`
	CirculatingSupply string  `json:"circulatingSupply"`
	AllTimeHigh       string  `json:"allTimeHigh"`
	PeriodHigh        float64 `json:"periodHigh"`
	PeriodLow         float64 `json:"periodLow"`
	// PeriodPosition is where the current price sits between PeriodLow (0) and PeriodHigh (1).
	PeriodPosition float64 `json:"periodPosition"`
}

// ChartResult is everything a chart screen needs for one instrument and timeframe.
// It is computed on every request and never stored.
type ChartResult struct {
	Instrument         Instrument  `json:"instrument"`
	Timeframe          Timeframe   `json:"timeframe"`
	ChartSeries        ChartSeries `json:"chartSeries"`
	CurrentPrice       float64     `json:"currentPrice"`
	PriceChangePercent float64     `json:"priceChangePercent"`
	MarketData         MarketData  `json:"marketData"`
	Indicators         Indicators  `json:"indicators"`
	DataSource         DataSource  `json:"dataSource"`
	// RawPoints is the stored series length; DisplayPoints is after sampling.
	RawPoints     int       `json:"rawPoints"`
	DisplayPoints int       `json:"displayPoints"`
	StoredAt      time.Time `json:"storedAt"`
}
