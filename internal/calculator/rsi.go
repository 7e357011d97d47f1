package calculator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// RSI is Wilder's relative strength index of closes over period.
// Fewer than period+1 closes yield the neutral 50.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi: period %d must be positive", period)
	}
	moves := len(closes) - 1
	if moves < period {
		return 50, nil
	}

	up := make([]float64, moves)
	down := make([]float64, moves)
	for i := range moves {
		d := closes[i+1] - closes[i]
		up[i] = math.Max(d, 0)
		down[i] = math.Max(-d, 0)
	}

	w := float64(period)
	gain := floats.Sum(up[:period]) / w
	loss := floats.Sum(down[:period]) / w
	for i := period; i < moves; i++ {
		gain += (up[i] - gain) / w
		loss += (down[i] - loss) / w
	}

	if loss == 0 {
		return 100, nil
	}
	return 100 - 100/(1+gain/loss), nil
}
