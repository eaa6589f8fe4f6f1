package market

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"
)

var (
	ErrUnknownCoin     = errors.New("unknown coin")
	ErrDuplicateSymbol = errors.New("symbol already exists")
	ErrInvalidSymbol   = errors.New("symbol must be 2-6 uppercase letters")
)

var symbolRE = regexp.MustCompile(`^[A-Z]{2,6}$`)

func ValidateSymbol(symbol string) error {
	if !symbolRE.MatchString(strings.TrimSpace(symbol)) {
		return ErrInvalidSymbol
	}
	return nil
}

// Candle is one OHLC sample. Immutable once appended; the rolling window
// only ever evicts from the front.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// CoinSpec is the static definition of a tradable asset.
type CoinSpec struct {
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	StartPrice     float64 `json:"start_price"`
	BaseVolatility float64 `json:"base_volatility"`
	Drift          float64 `json:"drift"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
	IsCustom       bool    `json:"is_custom"`
}

// Coin is the live state of one asset. Owned exclusively by the market
// Store; price fields mutate only through the generator and the merge
// routine.
type Coin struct {
	CoinSpec

	CurrentPrice      float64
	CurrentVolatility float64
	VolatilityTrend   float64
	History           []Candle
	Change24h         float64
	Delisted          bool
}

// Quote is the slice of coin state trading needs.
type Quote struct {
	Symbol   string
	Name     string
	Price    float64
	Delisted bool
}

// Decimals returns the display/rounding precision for a coin given its
// reference price. Low-priced coins get more decimal places so a random
// walk on a sub-dollar asset does not collapse to zero.
func Decimals(refPrice float64) int {
	if refPrice < 1 {
		return 4
	}
	return 2
}

// RoundPrice rounds v to the precision implied by the reference price.
func RoundPrice(v, refPrice float64) float64 {
	return roundTo(v, Decimals(refPrice))
}

// RoundMoney rounds a cash amount to cents.
func RoundMoney(v float64) float64 {
	return roundTo(v, 2)
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
