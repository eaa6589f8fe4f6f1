package market

import (
	"sort"
	"sync"
	"time"
)

// Timeframe selects a lookback window for history queries.
type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
)

func (t Timeframe) lookback() time.Duration {
	switch t {
	case Timeframe1h:
		return time.Hour
	case Timeframe7d:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// PriceRecord is the shape a coin's price state takes on the wire: what
// the master publishes and followers merge.
type PriceRecord struct {
	Current    float64   `json:"current"`
	History    []Candle  `json:"history"`
	LastUpdate time.Time `json:"last_update"`
}

// DelistEvent announces a coin's terminal removal from the tradable set.
type DelistEvent struct {
	Symbol string    `json:"symbol"`
	Name   string    `json:"name"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// CoinView is a read-only snapshot of one coin for rendering.
type CoinView struct {
	Symbol    string
	Name      string
	Price     float64
	Change24h float64
	IsCustom  bool
	Delisted  bool
}

// Store is the authoritative in-memory view of all coins on this peer.
// Master-generated candles and remotely pushed snapshots both funnel
// through the same merge routine so the two code paths cannot diverge.
type Store struct {
	mu        sync.RWMutex
	coins     map[string]*Coin
	retention int

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

func NewStore(retention int) *Store {
	return &Store{
		coins:     make(map[string]*Coin),
		retention: retention,
		subs:      make(map[int]func()),
	}
}

// Initialize seeds every built-in coin with a generated backfill.
func (s *Store) Initialize(specs []CoinSpec, gen *Generator, now time.Time) {
	s.mu.Lock()
	for _, spec := range specs {
		s.insertLocked(spec, gen, now)
	}
	s.mu.Unlock()
	s.notify()
}

// AddCustomCoin inserts a user-created coin with its own backfill.
func (s *Store) AddCustomCoin(spec CoinSpec, gen *Generator, now time.Time) error {
	if err := ValidateSymbol(spec.Symbol); err != nil {
		return err
	}
	spec.IsCustom = true

	s.mu.Lock()
	if _, ok := s.coins[spec.Symbol]; ok {
		s.mu.Unlock()
		return ErrDuplicateSymbol
	}
	s.insertLocked(spec, gen, now)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) insertLocked(spec CoinSpec, gen *Generator, now time.Time) {
	history := gen.BackfillHistory(spec, s.retention, now)
	coin := &Coin{
		CoinSpec:          spec,
		CurrentVolatility: spec.BaseVolatility,
		VolatilityTrend:   0,
	}
	s.mergeLocked(coin, history, history[len(history)-1].Close)
	s.coins[spec.Symbol] = coin
}

// mergeLocked is the single mutation path for price state: it installs a
// bounded chronological history, sets the current price and recomputes
// the 24h change against the oldest retained close.
func (s *Store) mergeLocked(c *Coin, history []Candle, current float64) {
	if over := len(history) - s.retention; over > 0 {
		history = history[over:]
	}
	c.History = history
	c.CurrentPrice = current
	c.Change24h = 0
	if len(history) > 0 {
		if oldest := history[0].Close; oldest != 0 {
			c.Change24h = RoundMoney((current - oldest) / oldest * 100)
		}
	}
}

// ApplyMasterUpdate appends a freshly generated candle. Master-side path,
// invoked right after generation.
func (s *Store) ApplyMasterUpdate(symbol string, candle Candle) (PriceRecord, error) {
	s.mu.Lock()
	coin, ok := s.coins[symbol]
	if !ok {
		s.mu.Unlock()
		return PriceRecord{}, ErrUnknownCoin
	}
	s.mergeLocked(coin, append(coin.History, candle), candle.Close)
	rec := PriceRecord{Current: coin.CurrentPrice, History: coin.History, LastUpdate: candle.Time}
	s.mu.Unlock()
	s.notify()
	return rec, nil
}

// ApplyRemoteSnapshot merges a pushed price record. Follower-side path;
// unknown symbols are ignored (custom coins arrive on their own channel).
func (s *Store) ApplyRemoteSnapshot(symbol string, rec PriceRecord) {
	s.mu.Lock()
	coin, ok := s.coins[symbol]
	if ok {
		s.mergeLocked(coin, rec.History, rec.Current)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// AdvanceAll runs the generator over every listed coin and merges the
// results. Only the price master calls this; it returns the records to
// publish.
func (s *Store) AdvanceAll(gen *Generator, now time.Time) map[string]PriceRecord {
	out := make(map[string]PriceRecord)
	s.mu.Lock()
	for symbol, coin := range s.coins {
		if coin.Delisted {
			continue
		}
		candle := gen.NextCandle(coin, now)
		s.mergeLocked(coin, append(coin.History, candle), candle.Close)
		out[symbol] = PriceRecord{Current: coin.CurrentPrice, History: coin.History, LastUpdate: now}
	}
	s.mu.Unlock()
	s.notify()
	return out
}

// AdoptRecord replaces a coin's state with persisted history, used when a
// newly elected master resumes an existing market. Histories that are too
// short to cover the retention window are left alone so the caller can
// regenerate them.
func (s *Store) AdoptRecord(symbol string, rec PriceRecord, minPoints int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	coin, ok := s.coins[symbol]
	if !ok || len(rec.History) < minPoints {
		return false
	}
	s.mergeLocked(coin, rec.History, rec.Current)
	return true
}

// Delist marks the coin terminal and removes it from the tradable set.
// Holdings are the ledger's problem; it reacts to the returned event.
func (s *Store) Delist(symbol, reason string, now time.Time) (DelistEvent, error) {
	s.mu.Lock()
	coin, ok := s.coins[symbol]
	if !ok {
		s.mu.Unlock()
		return DelistEvent{}, ErrUnknownCoin
	}
	coin.Delisted = true
	ev := DelistEvent{Symbol: symbol, Name: coin.Name, Reason: reason, Time: now}
	s.mu.Unlock()
	s.notify()
	return ev, nil
}

// MarkDelisted applies a delisting announced by another peer.
func (s *Store) MarkDelisted(symbol string) {
	s.mu.Lock()
	if coin, ok := s.coins[symbol]; ok {
		coin.Delisted = true
	}
	s.mu.Unlock()
	s.notify()
}

// Quote returns the trading view of one coin.
func (s *Store) Quote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coin, ok := s.coins[symbol]
	if !ok {
		return Quote{}, false
	}
	return Quote{Symbol: coin.Symbol, Name: coin.Name, Price: coin.CurrentPrice, Delisted: coin.Delisted}, true
}

// Quotes returns current prices for every coin, delisted included so net
// worth can still be computed against last-known prices.
func (s *Store) Quotes() map[string]Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Quote, len(s.coins))
	for symbol, coin := range s.coins {
		out[symbol] = Quote{Symbol: coin.Symbol, Name: coin.Name, Price: coin.CurrentPrice, Delisted: coin.Delisted}
	}
	return out
}

// Coins returns render-ready views sorted by symbol.
func (s *Store) Coins() []CoinView {
	s.mu.RLock()
	out := make([]CoinView, 0, len(s.coins))
	for _, coin := range s.coins {
		out = append(out, CoinView{
			Symbol:    coin.Symbol,
			Name:      coin.Name,
			Price:     coin.CurrentPrice,
			Change24h: coin.Change24h,
			IsCustom:  coin.IsCustom,
			Delisted:  coin.Delisted,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// History filters a coin's candles to the requested lookback window. The
// result is a copy; mutating it does not touch the store.
func (s *Store) History(symbol string, tf Timeframe, now time.Time) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coin, ok := s.coins[symbol]
	if !ok {
		return nil
	}
	cutoff := now.Add(-tf.lookback())
	out := make([]Candle, 0, len(coin.History))
	for _, candle := range coin.History {
		if !candle.Time.Before(cutoff) {
			out = append(out, candle)
		}
	}
	return out
}

// Symbols lists every tracked symbol, delisted included.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.coins))
	for symbol := range s.coins {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers a change callback and returns its cancel func.
// Callbacks fire after every mutation, outside the store lock.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
