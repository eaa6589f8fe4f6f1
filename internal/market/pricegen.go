package market

import (
	"math"
	mathrand "math/rand"
	"sync"
	"time"
)

// Random-walk tuning. The close perturbation is sampled slightly below
// the midpoint so long runs do not drift upward without bound.
const (
	trendStep      = 0.02 // symmetric volatility-trend perturbation width
	trendLimit     = 0.2  // |volatilityTrend| clamp
	volAdjustRate  = 0.05 // how fast the trend moves current volatility
	volFloorFactor = 0.3  // currentVolatility >= 0.3 x base
	volCeilFactor  = 2.0  // currentVolatility <= 2.0 x base
	wickBandFactor = 0.6  // high/low sampling band around open
	closeBias      = 0.48 // uniform sample midpoint for close changes
)

// BackfillInterval is the spacing of synthetic history candles.
const BackfillInterval = time.Hour

// Generator produces candles from a coin's current price and volatility
// state. Safe for use from multiple goroutines.
type Generator struct {
	mu   sync.Mutex
	rand *mathrand.Rand
}

func NewGenerator() *Generator {
	return &Generator{rand: mathrand.New(mathrand.NewSource(time.Now().UnixNano()))}
}

// NewSeededGenerator fixes the random source, for reproducible tests.
func NewSeededGenerator(seed int64) *Generator {
	return &Generator{rand: mathrand.New(mathrand.NewSource(seed))}
}

func (g *Generator) nextFloat() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand.Float64()
}

// NextCandle advances the coin's volatility state one tick and returns
// the next candle. The coin's CurrentPrice, CurrentVolatility and
// VolatilityTrend are updated in place; callers hold whatever lock
// protects the coin.
func (g *Generator) NextCandle(c *Coin, now time.Time) Candle {
	c.VolatilityTrend += (g.nextFloat() - 0.5) * trendStep
	c.VolatilityTrend = clamp(c.VolatilityTrend, -trendLimit, trendLimit)

	c.CurrentVolatility += c.VolatilityTrend * c.BaseVolatility * volAdjustRate
	c.CurrentVolatility = clamp(c.CurrentVolatility, c.BaseVolatility*volFloorFactor, c.BaseVolatility*volCeilFactor)

	// A coin clamped to a zero MinPrice keeps walking from zero; only a
	// coin that has never ticked starts from its listing price.
	open := c.CurrentPrice
	if open == 0 && len(c.History) == 0 {
		open = c.StartPrice
	}

	band := c.CurrentVolatility * wickBandFactor
	high := open + g.nextFloat()*band
	low := open - g.nextFloat()*band

	change := c.Drift*c.BaseVolatility + (g.nextFloat()-closeBias)*c.CurrentVolatility
	close := clamp(open+change, c.MinPrice, c.MaxPrice)

	open = RoundPrice(open, c.StartPrice)
	close = RoundPrice(close, c.StartPrice)
	high = RoundPrice(math.Max(math.Max(open, close), high), c.StartPrice)
	low = RoundPrice(math.Min(math.Min(open, close), low), c.StartPrice)

	c.CurrentPrice = close
	return Candle{Time: now, Open: open, High: high, Low: low, Close: close}
}

// BackfillHistory synthesizes `points` past candles ending just before
// now, spaced at BackfillInterval, by running the same walk the live
// ticker uses.
func (g *Generator) BackfillHistory(spec CoinSpec, points int, now time.Time) []Candle {
	seed := Coin{
		CoinSpec:          spec,
		CurrentPrice:      spec.StartPrice,
		CurrentVolatility: spec.BaseVolatility,
		VolatilityTrend:   (g.nextFloat() - 0.5) * 0.1,
	}
	history := make([]Candle, 0, points)
	for i := 0; i < points; i++ {
		at := now.Add(-time.Duration(points-i) * BackfillInterval)
		history = append(history, g.NextCandle(&seed, at))
	}
	return history
}

// RandomDrift samples a uniform drift in [-width/2, width/2], used when
// minting custom coins.
func (g *Generator) RandomDrift(width float64) float64 {
	return (g.nextFloat() - 0.5) * width
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
