package model

// Indicators are trend figures computed from the raw series on every request.
type Indicators struct {
	// SMA is the trailing simple moving average of the last SMAPeriod closes;
	// zero when the series is shorter than that.
	SMA       float64 `json:"sma"`
	SMAPeriod int     `json:"smaPeriod"`
	// RSI is the Wilder RSI over RSIPeriod; 50 when the series is too short.
	RSI       float64 `json:"rsi"`
	RSIPeriod int     `json:"rsiPeriod"`
	// Average is the moving average overlay aligned with the display series.
	Average []LinePoint `json:"average,omitempty"`
}
