package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"moonrush/internal/config"
	"moonrush/internal/identity"
	"moonrush/internal/ledger"
	"moonrush/internal/market"
	"moonrush/internal/store"
)

func testPeerConfig() config.Config {
	cfg := config.Default()
	cfg.Game.PriceUpdateInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Game.HeartbeatInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Game.MasterStaleThreshold = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Game.TakeoverCheckInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Game.LeaderboardInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Game.SaveDebounce = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Game.HistoryRetentionPoints = 24
	return cfg
}

func newTestPeer(name string, st store.Store) *Peer {
	id := identity.Identity{UserID: "user-" + name, DisplayName: name}
	return New(testPeerConfig(), id, st, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTradeThroughPeer(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPeer("alice", st)
	p.Bootstrap(context.Background())

	if _, ok := p.Market().Quote("BTC"); !ok {
		t.Fatalf("BTC not listed after bootstrap")
	}

	qty, err := p.Buy("BTC", 5_000)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if qty <= 0 {
		t.Fatalf("qty = %v", qty)
	}
	if _, err := p.Buy("NOPE", 10); !errors.Is(err, market.ErrUnknownCoin) {
		t.Fatalf("unknown coin buy: %v", err)
	}

	proceeds, err := p.Sell("BTC", qty)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if proceeds <= 0 {
		t.Fatalf("proceeds = %v", proceeds)
	}
}

func TestPortfolioPersistedAndReloaded(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	p := newTestPeer("alice", st)
	p.Bootstrap(ctx)
	if _, err := p.Buy("ETH", 2_000); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p.Ledger().Flush()

	again := newTestPeer("alice", st)
	again.Bootstrap(ctx)
	if got := again.Ledger().Cash(); got != 8_000 {
		t.Fatalf("reloaded cash = %v, want 8000", got)
	}
	if again.Ledger().Holding("ETH") <= 0 {
		t.Fatalf("reloaded holding missing")
	}
	_, txs := again.Ledger().Snapshot()
	if len(txs) != 1 || txs[0].Type != ledger.TxBuy {
		t.Fatalf("reloaded transactions = %+v", txs)
	}
}

func TestSingleMasterAndPricePropagation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer("alice", st)
	b := newTestPeer("bob", st)
	go func() { _ = a.Start(ctx) }()
	go func() { _ = b.Start(ctx) }()

	waitFor(t, "both peers to come online", func() bool { return a.Online() && b.Online() })
	waitFor(t, "a master to emerge", func() bool { return a.IsMaster() || b.IsMaster() })
	if a.IsMaster() && b.IsMaster() {
		t.Fatalf("both peers claim mastership")
	}

	master, follower := a, b
	if b.IsMaster() {
		master, follower = b, a
	}

	before, _ := follower.Market().Quote("BTC")
	waitFor(t, "a price update to reach the follower", func() bool {
		q, _ := follower.Market().Quote("BTC")
		return q.Price != before.Price
	})
	_ = master
}

func TestCustomCoinAndDelistingPropagation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer("alice", st)
	b := newTestPeer("bob", st)
	go func() { _ = a.Start(ctx) }()
	go func() { _ = b.Start(ctx) }()
	waitFor(t, "both peers to come online", func() bool { return a.Online() && b.Online() })

	spec, err := a.CreateCoin(ctx, "Mooncoin", "MOON")
	if err != nil {
		t.Fatalf("create coin: %v", err)
	}
	if spec.StartPrice != 100 {
		t.Fatalf("short symbol start price = %v, want 100", spec.StartPrice)
	}
	waitFor(t, "MOON to list on the other peer", func() bool {
		_, ok := b.Market().Quote("MOON")
		return ok
	})

	if _, err := b.Buy("MOON", 500); err != nil {
		t.Fatalf("buy on follower: %v", err)
	}
	if err := a.Delist(ctx, "MOON", "test removal"); err != nil {
		t.Fatalf("delist: %v", err)
	}
	waitFor(t, "delisting to liquidate bob's holding", func() bool {
		return b.Ledger().Holding("MOON") == 0
	})
	q, _ := b.Market().Quote("MOON")
	if !q.Delisted {
		t.Fatalf("MOON not marked delisted on the other peer")
	}
	_, txs := b.Ledger().Snapshot()
	found := false
	for _, tx := range txs {
		if tx.Type == ledger.TxLiquidation && tx.Coin == "MOON" && tx.Total == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no zero-total liquidation recorded: %+v", txs)
	}
}

func TestLeaderboardPublishing(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestPeer("alice", st)
	go func() { _ = a.Start(ctx) }()

	waitFor(t, "alice to appear on the leaderboard", func() bool {
		rows, err := a.Leaderboard(ctx)
		if err != nil {
			return false
		}
		for _, row := range rows {
			if row.UserID == a.Identity().UserID && row.DisplayName == "alice" {
				return true
			}
		}
		return false
	})
}

func TestChatRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	a := newTestPeer("alice", st)
	a.Bootstrap(ctx)

	if err := a.SendChat(ctx, "  "); !errors.Is(err, ErrMessageEmpty) {
		t.Fatalf("blank message: %v", err)
	}
	if err := a.SendChat(ctx, "to the moon"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, err := a.RecentChat(ctx)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "to the moon" || msgs[0].Name != "alice" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestResetPortfolio(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	p := newTestPeer("alice", st)
	p.Bootstrap(ctx)
	if _, err := p.Buy("BTC", 4_000); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := p.ResetPortfolio(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if p.Ledger().Cash() != 10_000 {
		t.Fatalf("cash after reset = %v", p.Ledger().Cash())
	}
	if p.Ledger().Holding("BTC") != 0 {
		t.Fatalf("holding survived reset")
	}
	_, txs := p.Ledger().Snapshot()
	if len(txs) != 0 {
		t.Fatalf("transactions survived reset: %+v", txs)
	}
}

func TestRuinPromptAndAcknowledge(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	p := newTestPeer("alice", st)
	p.Bootstrap(ctx)
	prompts := 0
	p.OnRuin(func() { prompts++ })

	// Everything into one coin, then lose it all to a delisting.
	if _, err := p.Buy("BTC", p.Ledger().Cash()); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := p.Delist(ctx, "BTC", "wound down"); err != nil {
		t.Fatalf("delist: %v", err)
	}
	if prompts != 1 {
		t.Fatalf("ruin prompted %d times, want 1", prompts)
	}

	if err := p.AcknowledgeRuin(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if p.Ledger().Cash() != 10_000 {
		t.Fatalf("cash after acknowledgment = %v, want 10000", p.Ledger().Cash())
	}

	// A fresh episode prompts again.
	if _, err := p.Buy("ETH", p.Ledger().Cash()); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := p.Delist(ctx, "ETH", "wound down"); err != nil {
		t.Fatalf("delist: %v", err)
	}
	if prompts != 2 {
		t.Fatalf("ruin prompted %d times after reset, want 2", prompts)
	}
}
