package calculator

import (
	"fmt"

	"CoinChart/internal/model"

	"gonum.org/v1/gonum/floats"
)

// SMA averages the trailing period closes.
func SMA(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma: period %d must be positive", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("sma: %d closes, need %d", len(closes), period)
	}
	return floats.Sum(closes[len(closes)-period:]) / float64(period), nil
}

// SMALine is the trailing moving average at every point from the period-th on.
func SMALine(s model.Series, period int) []model.LinePoint {
	if period <= 0 || len(s) < period {
		return nil
	}
	out := make([]model.LinePoint, 0, len(s)-period+1)
	sum := 0.0
	for i, p := range s {
		sum += p.Close
		if i >= period {
			sum -= s[i-period].Close
		}
		if i >= period-1 {
			out = append(out, model.LinePoint{Timestamp: p.Timestamp, Value: sum / float64(period)})
		}
	}
	return out
}

// Indicator windows, in points of whatever granularity the series has.
const (
	DefaultSMAPeriod = 20
	DefaultRSIPeriod = 14
)

// ComputeIndicators derives trend figures from raw. The moving average
// overlay is computed on raw and kept only at the display timestamps.
func ComputeIndicators(raw, display model.Series) model.Indicators {
	cl := closes(raw)
	ind := model.Indicators{SMAPeriod: DefaultSMAPeriod, RSIPeriod: DefaultRSIPeriod}
	if v, err := SMA(cl, DefaultSMAPeriod); err == nil {
		ind.SMA = v
	}
	ind.RSI, _ = RSI(cl, DefaultRSIPeriod)

	shown := make(map[int64]struct{}, len(display))
	for _, p := range display {
		shown[p.Timestamp] = struct{}{}
	}
	for _, lp := range SMALine(raw, DefaultSMAPeriod) {
		if _, ok := shown[lp.Timestamp]; ok {
			ind.Average = append(ind.Average, lp)
		}
	}
	return ind
}

func closes(s model.Series) []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Close
	}
	return out
}
