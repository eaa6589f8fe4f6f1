package market

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T, retention int) (*Store, *Generator) {
	t.Helper()
	s := NewStore(retention)
	gen := NewSeededGenerator(11)
	s.Initialize([]CoinSpec{btcSpec()}, gen, time.Now())
	return s, gen
}

func TestHistoryRetention(t *testing.T) {
	const retention = 10
	s, gen := newTestStore(t, retention)

	now := time.Now()
	var lastClose float64
	for k := 0; k < 5; k++ {
		recs := s.AdvanceAll(gen, now.Add(time.Duration(k)*time.Second))
		lastClose = recs["BTC"].Current
	}

	candles := s.History("BTC", Timeframe7d, now.Add(time.Hour))
	if len(candles) != retention {
		t.Fatalf("history length %d, want %d", len(candles), retention)
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Before(candles[i-1].Time) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if candles[len(candles)-1].Close != lastClose {
		t.Fatalf("newest candle close %v, want %v", candles[len(candles)-1].Close, lastClose)
	}
}

func TestChange24hRecomputed(t *testing.T) {
	s, _ := newTestStore(t, 168)

	now := time.Now()
	rec := PriceRecord{
		Current: 110,
		History: []Candle{
			{Time: now.Add(-2 * time.Hour), Open: 100, High: 100, Low: 100, Close: 100},
			{Time: now.Add(-time.Hour), Open: 100, High: 110, Low: 100, Close: 110},
		},
		LastUpdate: now,
	}
	s.ApplyRemoteSnapshot("BTC", rec)

	q, ok := s.Quote("BTC")
	if !ok || q.Price != 110 {
		t.Fatalf("quote = %+v", q)
	}
	views := s.Coins()
	if len(views) != 1 || views[0].Change24h != 10 {
		t.Fatalf("change24h = %v, want 10", views[0].Change24h)
	}
}

func TestApplyRemoteSnapshotUnknownSymbol(t *testing.T) {
	s, _ := newTestStore(t, 168)
	s.ApplyRemoteSnapshot("NOPE", PriceRecord{Current: 1})
	if _, ok := s.Quote("NOPE"); ok {
		t.Fatalf("unknown symbol should not be created by a snapshot")
	}
}

func TestTimeframeFilter(t *testing.T) {
	now := time.Now()
	s := NewStore(168)
	s.Initialize([]CoinSpec{btcSpec()}, NewSeededGenerator(11), now)

	if got := len(s.History("BTC", Timeframe1h, now)); got != 1 {
		t.Fatalf("1h window returned %d candles, want 1", got)
	}
	if got := len(s.History("BTC", Timeframe24h, now)); got != 24 {
		t.Fatalf("24h window returned %d candles, want 24", got)
	}
	if got := len(s.History("BTC", Timeframe7d, now)); got != 168 {
		t.Fatalf("7d window returned %d candles, want 168", got)
	}
}

func TestAddCustomCoin(t *testing.T) {
	s, gen := newTestStore(t, 168)
	now := time.Now()

	spec := CoinSpec{Symbol: "MOON", Name: "Mooncoin", StartPrice: 100, BaseVolatility: 5, MaxPrice: 999_999}
	if err := s.AddCustomCoin(spec, gen, now); err != nil {
		t.Fatalf("add custom coin: %v", err)
	}
	if err := s.AddCustomCoin(spec, gen, now); !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected ErrDuplicateSymbol, got %v", err)
	}
	if err := s.AddCustomCoin(CoinSpec{Symbol: "bad!"}, gen, now); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}

	q, ok := s.Quote("MOON")
	if !ok {
		t.Fatalf("custom coin not listed")
	}
	if q.Price <= 0 {
		t.Fatalf("custom coin has no backfilled price")
	}
}

func TestDelist(t *testing.T) {
	s, gen := newTestStore(t, 168)
	now := time.Now()

	if _, err := s.Delist("NOPE", "x", now); !errors.Is(err, ErrUnknownCoin) {
		t.Fatalf("expected ErrUnknownCoin, got %v", err)
	}

	ev, err := s.Delist("BTC", "rug pull", now)
	if err != nil {
		t.Fatalf("delist: %v", err)
	}
	if ev.Symbol != "BTC" || ev.Reason != "rug pull" {
		t.Fatalf("event = %+v", ev)
	}

	q, _ := s.Quote("BTC")
	if !q.Delisted {
		t.Fatalf("quote not marked delisted")
	}
	if recs := s.AdvanceAll(gen, now); len(recs) != 0 {
		t.Fatalf("delisted coin still advanced: %v", recs)
	}
}

func TestAdoptRecord(t *testing.T) {
	s, _ := newTestStore(t, 168)
	now := time.Now()

	short := PriceRecord{Current: 50_000, History: make([]Candle, 10)}
	if s.AdoptRecord("BTC", short, 100) {
		t.Fatalf("short history should not be adopted")
	}

	history := make([]Candle, 120)
	for i := range history {
		history[i] = Candle{Time: now.Add(time.Duration(i-120) * time.Hour), Close: 50_000}
	}
	full := PriceRecord{Current: 50_000, History: history}
	if !s.AdoptRecord("BTC", full, 100) {
		t.Fatalf("long history should be adopted")
	}
	q, _ := s.Quote("BTC")
	if q.Price != 50_000 {
		t.Fatalf("adopted price %v, want 50000", q.Price)
	}
}

func TestSubscribe(t *testing.T) {
	s, gen := newTestStore(t, 168)

	fired := 0
	cancel := s.Subscribe(func() { fired++ })
	s.AdvanceAll(gen, time.Now())
	if fired != 1 {
		t.Fatalf("expected 1 notification, got %d", fired)
	}
	cancel()
	s.AdvanceAll(gen, time.Now())
	if fired != 1 {
		t.Fatalf("cancelled subscription still fired")
	}
}
