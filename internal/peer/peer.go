// Package peer wires the market, ledger, election and backing store
// into one running client. Every peer is symmetric; the elected price
// master is the only asymmetry, and it is decided at runtime.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"moonrush/internal/config"
	"moonrush/internal/election"
	"moonrush/internal/identity"
	"moonrush/internal/ledger"
	"moonrush/internal/market"
	"moonrush/internal/store"
)

// History snapshots shorter than this are treated as stale remnants and
// regenerated by a newly promoted master.
const minAdoptPoints = 100

const maxChatMessages = 50

var ErrMessageEmpty = errors.New("message is empty")

// ChatMessage is one line of the shared chat feed.
type ChatMessage struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile is the public record a peer publishes about itself.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Networth    float64   `json:"networth"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LeaderboardRow is one ranked leaderboard entry.
type LeaderboardRow struct {
	Rank        int     `json:"rank"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Networth    float64 `json:"networth"`
}

// Peer is the composition root for one game client.
type Peer struct {
	cfg config.Config
	id  identity.Identity
	log *slog.Logger

	sync    store.Store
	market  *market.Store
	gen     *market.Generator
	elector *election.Elector
	ledger  *ledger.Ledger

	online      atomic.Bool
	adoptNeeded atomic.Bool
	cancels     []store.CancelFunc
}

// New assembles a peer. It does not touch the backing store; call Start
// to load shared state and begin the protocol loops.
func New(cfg config.Config, id identity.Identity, st store.Store, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		cfg:    cfg,
		id:     id,
		log:    logger,
		sync:   st,
		market: market.NewStore(cfg.Game.HistoryRetentionPoints),
		gen:    market.NewGenerator(),
		ledger: ledger.New(ledger.Config{
			StartingCash:     cfg.Game.StartingCash,
			CoinCreationCost: cfg.Game.CoinCreationCost,
			MaxTransactions:  cfg.Game.MaxTransactions,
			SaveDebounce:     cfg.Game.SaveDebounce.Duration,
		}, logger),
	}
	p.elector = election.New(st, id.UserID, election.Config{
		HeartbeatEvery: cfg.Game.HeartbeatInterval.Duration,
		StaleAfter:     cfg.Game.MasterStaleThreshold.Duration,
		TakeoverEvery:  cfg.Game.TakeoverCheckInterval.Duration,
	}, logger)
	p.elector.OnPromote(func() { p.adoptNeeded.Store(true) })

	p.ledger.SetPersistence(p.savePortfolio, p.appendTransaction)
	p.market.Subscribe(func() {
		p.ledger.CalculateNetworth(p.market.Quotes())
	})
	return p
}

// Market exposes the local market store to read-only consumers.
func (p *Peer) Market() *market.Store { return p.market }

// Ledger exposes the portfolio ledger.
func (p *Peer) Ledger() *ledger.Ledger { return p.ledger }

// Identity returns the local player identity.
func (p *Peer) Identity() identity.Identity { return p.id }

// IsMaster reports whether this peer currently generates prices.
func (p *Peer) IsMaster() bool { return p.elector.IsMaster() }

// Online reports backing-store connectivity as of the last operation.
func (p *Peer) Online() bool { return p.online.Load() }

// OnRuin registers the ruin prompt callback. Fires at most once per
// ruin episode; AcknowledgeRuin re-arms it.
func (p *Peer) OnRuin(fn func()) { p.ledger.OnRuin(fn) }

// AcknowledgeRuin ends a ruin episode with a fresh starting portfolio.
func (p *Peer) AcknowledgeRuin(ctx context.Context) error {
	return p.ResetPortfolio(ctx)
}

// Bootstrap seeds the local market and ledger from shared state: coin
// definitions, custom coins, persisted prices and the saved portfolio.
// One-shot commands stop here; Start continues into the protocol loops.
func (p *Peer) Bootstrap(ctx context.Context) {
	now := time.Now()
	p.market.Initialize(p.coinSpecs(), p.gen, now)

	p.loadPortfolio(ctx)
	p.loadCustomCoins(ctx)
	p.adoptPersisted(ctx)
	p.ledger.InitHoldings(p.market.Symbols())
	p.ledger.CalculateNetworth(p.market.Quotes())
}

// Start loads shared state, installs subscriptions and runs the
// protocol loops until ctx is cancelled.
func (p *Peer) Start(ctx context.Context) error {
	p.Bootstrap(ctx)

	if err := p.subscribeAll(ctx); err != nil {
		p.online.Store(false)
		p.log.Warn("starting in local-only mode", "err", err)
	} else {
		p.online.Store(true)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.elector.Run(ctx) })
	g.Go(func() error { return p.priceLoop(ctx) })
	g.Go(func() error { return p.leaderboardLoop(ctx) })
	err := g.Wait()

	for _, cancel := range p.cancels {
		cancel()
	}
	p.ledger.Flush()
	p.ledger.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Peer) coinSpecs() []market.CoinSpec {
	specs := make([]market.CoinSpec, 0, len(p.cfg.Coins))
	for symbol, c := range p.cfg.Coins {
		specs = append(specs, market.CoinSpec{
			Symbol:         symbol,
			Name:           c.Name,
			StartPrice:     c.StartPrice,
			BaseVolatility: c.BaseVolatility,
			Drift:          c.Drift,
			MinPrice:       c.MinPrice,
			MaxPrice:       c.MaxPrice,
		})
	}
	return specs
}

func (p *Peer) loadPortfolio(ctx context.Context) {
	raw, err := p.sync.Read(ctx, store.PortfolioPath(p.id.UserID))
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.log.Warn("portfolio load failed", "err", err)
		return
	}
	var pf ledger.Portfolio
	if err := json.Unmarshal(raw, &pf); err != nil {
		p.log.Warn("portfolio record corrupt, starting fresh", "err", err)
		return
	}

	var txs []ledger.Transaction
	children, err := p.sync.RecentChildren(ctx, store.TransactionsPath(p.id.UserID), p.cfg.Game.MaxTransactions)
	if err != nil {
		p.log.Warn("transaction history load failed", "err", err)
	}
	for _, child := range children {
		var tx ledger.Transaction
		if json.Unmarshal(child.Value, &tx) == nil {
			txs = append(txs, tx)
		}
	}
	p.ledger.Load(pf, txs)
}

func (p *Peer) loadCustomCoins(ctx context.Context) {
	children, err := p.sync.RecentChildren(ctx, store.CustomCoinsCollection, 500)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Warn("custom coin load failed", "err", err)
		}
		return
	}
	now := time.Now()
	for _, child := range children {
		var spec market.CoinSpec
		if json.Unmarshal(child.Value, &spec) != nil {
			continue
		}
		if err := p.market.AddCustomCoin(spec, p.gen, now); err != nil && !errors.Is(err, market.ErrDuplicateSymbol) {
			p.log.Warn("skipping bad custom coin", "symbol", spec.Symbol, "err", err)
		}
	}
}

// adoptPersisted replaces generated backfills with the shared price
// records, when those carry enough history to be trusted.
func (p *Peer) adoptPersisted(ctx context.Context) {
	for _, symbol := range p.market.Symbols() {
		raw, err := p.sync.Read(ctx, store.PricePath(symbol))
		if err != nil {
			continue
		}
		var rec market.PriceRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		if !p.market.AdoptRecord(symbol, rec, minAdoptPoints) {
			p.log.Info("regenerating short history", "symbol", symbol, "points", len(rec.History))
		}
	}
}

func (p *Peer) subscribeAll(ctx context.Context) error {
	prices, err := p.sync.Subscribe(ctx, store.PricesCollection, p.onPriceUpdate)
	if err != nil {
		return err
	}
	coins, err := p.sync.SubscribeChildAdded(ctx, store.CustomCoinsCollection, p.onCoinAdded)
	if err != nil {
		prices()
		return err
	}
	delistings, err := p.sync.SubscribeChildAdded(ctx, store.DelistingsCollection, p.onDelisting)
	if err != nil {
		prices()
		coins()
		return err
	}
	p.cancels = append(p.cancels, prices, coins, delistings)
	return nil
}

func (p *Peer) onPriceUpdate(symbol string, value []byte) {
	// The master's own writes echo back through the subscription.
	if p.elector.IsMaster() {
		return
	}
	var rec market.PriceRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		p.log.Warn("bad price record", "symbol", symbol, "err", err)
		return
	}
	p.market.ApplyRemoteSnapshot(symbol, rec)
	p.online.Store(true)
}

func (p *Peer) onCoinAdded(_ string, value []byte) {
	var spec market.CoinSpec
	if err := json.Unmarshal(value, &spec); err != nil {
		p.log.Warn("bad custom coin record", "err", err)
		return
	}
	err := p.market.AddCustomCoin(spec, p.gen, time.Now())
	if err != nil {
		if !errors.Is(err, market.ErrDuplicateSymbol) {
			p.log.Warn("rejecting custom coin", "symbol", spec.Symbol, "err", err)
		}
		return
	}
	p.ledger.InitHoldings([]string{spec.Symbol})
	p.log.Info("new coin listed", "symbol", spec.Symbol, "name", spec.Name)
}

func (p *Peer) onDelisting(_ string, value []byte) {
	var ev market.DelistEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		p.log.Warn("bad delisting record", "err", err)
		return
	}
	p.market.MarkDelisted(ev.Symbol)
	p.ledger.HandleDelisting(ev)
	p.ledger.CalculateNetworth(p.market.Quotes())
}

// priceLoop drives the shared market while this peer is master.
// Followers idle here; their prices arrive via subscription.
func (p *Peer) priceLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Game.PriceUpdateInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !p.elector.IsMaster() {
				continue
			}
			if p.adoptNeeded.CompareAndSwap(true, false) {
				p.adoptPersisted(ctx)
			}
			p.publishPrices(ctx, now)
		}
	}
}

func (p *Peer) publishPrices(ctx context.Context, now time.Time) {
	records := p.market.AdvanceAll(p.gen, now)
	updates := make(map[string][]byte, len(records))
	for symbol, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		updates[store.PricePath(symbol)] = raw
	}
	if err := p.sync.WriteAll(ctx, updates); err != nil {
		p.online.Store(false)
		p.log.Warn("price publish failed", "err", err)
		return
	}
	p.online.Store(true)
}

func (p *Peer) leaderboardLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Game.LeaderboardInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publishStanding(ctx)
		}
	}
}

func (p *Peer) publishStanding(ctx context.Context) {
	networth := p.ledger.Networth()
	if err := p.sync.SetScore(ctx, store.LeaderboardBoard, p.id.UserID, networth); err != nil {
		p.online.Store(false)
		return
	}
	profile := Profile{
		UserID:      p.id.UserID,
		DisplayName: p.id.DisplayName,
		Networth:    networth,
		UpdatedAt:   time.Now(),
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := p.sync.Write(ctx, store.ProfilePath(p.id.UserID), raw); err != nil {
		p.online.Store(false)
		return
	}
	p.online.Store(true)
}

// Buy spends cashAmount on a coin at its current price and returns the
// quantity received.
func (p *Peer) Buy(symbol string, cashAmount float64) (float64, error) {
	q, ok := p.market.Quote(symbol)
	if !ok {
		return 0, market.ErrUnknownCoin
	}
	qty, err := p.ledger.Buy(q, cashAmount)
	if err != nil {
		return 0, err
	}
	p.ledger.CalculateNetworth(p.market.Quotes())
	return qty, nil
}

// Sell liquidates coinAmount of a holding at the current price and
// returns the cash proceeds.
func (p *Peer) Sell(symbol string, coinAmount float64) (float64, error) {
	q, ok := p.market.Quote(symbol)
	if !ok {
		return 0, market.ErrUnknownCoin
	}
	proceeds, err := p.ledger.Sell(q, coinAmount)
	if err != nil {
		return 0, err
	}
	p.ledger.CalculateNetworth(p.market.Quotes())
	return proceeds, nil
}

// CreateCoin mints a brand-new tradable coin and announces it to every
// peer. Short symbols launch at a higher price, like the real market
// teaches you to expect.
func (p *Peer) CreateCoin(ctx context.Context, name, symbol string) (market.CoinSpec, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := market.ValidateSymbol(symbol); err != nil {
		return market.CoinSpec{}, err
	}
	if _, exists := p.market.Quote(symbol); exists {
		return market.CoinSpec{}, market.ErrDuplicateSymbol
	}

	startPrice := 100.0
	if len(symbol) > 3 {
		startPrice = 1.0
	}
	spec := market.CoinSpec{
		Symbol:         symbol,
		Name:           strings.TrimSpace(name),
		StartPrice:     startPrice,
		BaseVolatility: startPrice * 0.05,
		Drift:          p.gen.RandomDrift(0.06),
		MinPrice:       0,
		MaxPrice:       999_999,
		IsCustom:       true,
	}

	if err := p.ledger.CreateCoin(spec.Name, symbol); err != nil {
		return market.CoinSpec{}, err
	}
	if err := p.market.AddCustomCoin(spec, p.gen, time.Now()); err != nil {
		return market.CoinSpec{}, err
	}
	p.ledger.InitHoldings([]string{symbol})

	raw, err := json.Marshal(spec)
	if err != nil {
		return spec, err
	}
	if _, err := p.sync.PushNew(ctx, store.CustomCoinsCollection, raw); err != nil {
		p.online.Store(false)
		p.log.Warn("coin announcement failed, listed locally only", "symbol", symbol, "err", err)
	}
	p.ledger.Flush()
	return spec, nil
}

// Delist retires a coin everywhere. Holders are liquidated at zero.
func (p *Peer) Delist(ctx context.Context, symbol, reason string) error {
	ev, err := p.market.Delist(symbol, reason, time.Now())
	if err != nil {
		return err
	}
	p.ledger.HandleDelisting(ev)
	p.ledger.CalculateNetworth(p.market.Quotes())

	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := p.sync.PushNew(ctx, store.DelistingsCollection, raw); err != nil {
		p.online.Store(false)
		return err
	}
	return nil
}

// SendChat publishes a chat line to the shared feed.
func (p *Peer) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrMessageEmpty
	}
	msg := ChatMessage{
		UserID:    p.id.UserID,
		Name:      p.id.DisplayName,
		Text:      text,
		Timestamp: time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := p.sync.PushNew(ctx, store.ChatCollection, raw); err != nil {
		p.online.Store(false)
		return err
	}
	return nil
}

// RecentChat returns the latest chat messages, newest first.
func (p *Peer) RecentChat(ctx context.Context) ([]ChatMessage, error) {
	children, err := p.sync.RecentChildren(ctx, store.ChatCollection, maxChatMessages)
	if err != nil {
		return nil, err
	}
	msgs := make([]ChatMessage, 0, len(children))
	for _, child := range children {
		var msg ChatMessage
		if json.Unmarshal(child.Value, &msg) == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// SubscribeChat delivers new chat messages as they arrive.
func (p *Peer) SubscribeChat(ctx context.Context, fn func(ChatMessage)) (store.CancelFunc, error) {
	return p.sync.SubscribeChildAdded(ctx, store.ChatCollection, func(_ string, value []byte) {
		var msg ChatMessage
		if json.Unmarshal(value, &msg) == nil {
			fn(msg)
		}
	})
}

// Leaderboard returns the top peers by published net worth.
func (p *Peer) Leaderboard(ctx context.Context) ([]LeaderboardRow, error) {
	entries, err := p.sync.TopN(ctx, store.LeaderboardBoard, p.cfg.Game.LeaderboardSize)
	if err != nil {
		return nil, err
	}
	rows := make([]LeaderboardRow, 0, len(entries))
	for i, e := range entries {
		row := LeaderboardRow{Rank: i + 1, UserID: e.Member, Networth: e.Score}
		if raw, err := p.sync.Read(ctx, store.ProfilePath(e.Member)); err == nil {
			var profile Profile
			if json.Unmarshal(raw, &profile) == nil {
				row.DisplayName = profile.DisplayName
			}
		}
		if row.DisplayName == "" {
			row.DisplayName = shortID(e.Member)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ResetPortfolio wipes the local ledger back to starting cash and
// persists the clean slate.
func (p *Peer) ResetPortfolio(ctx context.Context) error {
	p.ledger.Reset()
	p.ledger.InitHoldings(p.market.Symbols())
	p.ledger.Flush()
	if err := p.sync.RemoveAll(ctx, store.TransactionsPath(p.id.UserID)); err != nil {
		return err
	}
	return p.sync.SetScore(ctx, store.LeaderboardBoard, p.id.UserID, p.cfg.Game.StartingCash)
}

func (p *Peer) savePortfolio(pf ledger.Portfolio) error {
	raw, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sync.Write(ctx, store.PortfolioPath(p.id.UserID), raw); err != nil {
		p.online.Store(false)
		return err
	}
	p.online.Store(true)
	return nil
}

func (p *Peer) appendTransaction(tx ledger.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.sync.PushNew(ctx, store.TransactionsPath(p.id.UserID), raw)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
