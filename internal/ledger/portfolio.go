// Package ledger is the per-user cash/holdings state machine: trade
// validation, net-worth accounting, ruin detection and debounced
// persistence. All operations are atomic from the caller's point of
// view; holdings can never go negative.
package ledger

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"moonrush/internal/market"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrDelisted             = errors.New("coin has been delisted")
	ErrDuplicateSymbol      = errors.New("symbol already exists")
)

// Transaction types.
const (
	TxBuy         = "buy"
	TxSell        = "sell"
	TxCreateCoin  = "create_coin"
	TxLiquidation = "liquidation"
	TxSideWin     = "side_game_win"
	TxSideLoss    = "side_game_loss"
)

// Transaction is an immutable record of one ledger-affecting event.
// Total is the signed effect on cash.
type Transaction struct {
	Type      string    `json:"type"`
	Coin      string    `json:"coin"`
	CoinName  string    `json:"coin_name"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Total     float64   `json:"total"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Portfolio is the persisted shape of one user's ledger. Networth is
// derived state, recomputed, never authoritative input.
type Portfolio struct {
	Cash     float64            `json:"cash"`
	Holdings map[string]float64 `json:"holdings"`
	Networth float64            `json:"networth"`
}

// Config carries the ledger constants.
type Config struct {
	StartingCash     float64
	CoinCreationCost float64
	MaxTransactions  int
	SaveDebounce     time.Duration
}

// Ledger owns one user's portfolio. Persistence hooks are injected: the
// portfolio save runs through the debouncer, transactions append
// immediately. Persistence failures are logged and retried on the next
// debounce cycle, never surfaced to the trading caller.
type Ledger struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu           sync.Mutex
	p            Portfolio
	txs          []Transaction
	ruinShown    bool
	suspendCount int

	debounce      *Debouncer
	savePortfolio func(Portfolio) error
	appendTx      func(Transaction) error
	onRuin        func()
}

func New(cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		cfg: cfg,
		log: logger,
		now: time.Now,
		p: Portfolio{
			Cash:     cfg.StartingCash,
			Holdings: make(map[string]float64),
			Networth: cfg.StartingCash,
		},
	}
	l.debounce = NewDebouncer(cfg.SaveDebounce, l.saveNow)
	return l
}

// SetPersistence installs the save hooks. Both may be nil (local-only
// mode).
func (l *Ledger) SetPersistence(savePortfolio func(Portfolio) error, appendTx func(Transaction) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.savePortfolio = savePortfolio
	l.appendTx = appendTx
}

// OnRuin registers the terminal-prompt callback. It fires at most once
// per ruin episode, outside the ledger lock.
func (l *Ledger) OnRuin(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRuin = fn
}

// Load installs a previously saved portfolio and transaction log.
func (l *Ledger) Load(p Portfolio, txs []Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Holdings == nil {
		p.Holdings = make(map[string]float64)
	}
	l.p = p
	l.txs = txs
	if max := l.cfg.MaxTransactions; max > 0 && len(l.txs) > max {
		l.txs = l.txs[:max]
	}
}

// InitHoldings adds a zero entry for every symbol not already held.
func (l *Ledger) InitHoldings(symbols []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range symbols {
		if _, ok := l.p.Holdings[s]; !ok {
			l.p.Holdings[s] = 0
		}
	}
}

// Buy debits cashAmount and credits the coin at its current price.
// Returns the coin quantity received.
func (l *Ledger) Buy(q market.Quote, cashAmount float64) (float64, error) {
	l.mu.Lock()
	if cashAmount <= 0 || q.Price <= 0 {
		l.mu.Unlock()
		return 0, ErrInvalidAmount
	}
	if q.Delisted {
		l.mu.Unlock()
		return 0, ErrDelisted
	}
	if cashAmount > l.p.Cash {
		l.mu.Unlock()
		return 0, ErrInsufficientFunds
	}

	qty := cashAmount / q.Price
	l.p.Cash -= cashAmount
	l.p.Holdings[q.Symbol] += qty
	tx := l.recordLocked(Transaction{
		Type:     TxBuy,
		Coin:     q.Symbol,
		CoinName: q.Name,
		Amount:   qty,
		Price:    q.Price,
		Total:    -cashAmount,
	})
	l.mu.Unlock()
	l.appendRemote(tx)
	return qty, nil
}

// Sell credits cash for coinAmount at the current price. Selling more
// than held is rejected, not clamped.
func (l *Ledger) Sell(q market.Quote, coinAmount float64) (float64, error) {
	l.mu.Lock()
	if coinAmount <= 0 {
		l.mu.Unlock()
		return 0, ErrInvalidAmount
	}
	if q.Delisted {
		l.mu.Unlock()
		return 0, ErrDelisted
	}
	if coinAmount > l.p.Holdings[q.Symbol] {
		l.mu.Unlock()
		return 0, ErrInsufficientHoldings
	}

	proceeds := coinAmount * q.Price
	l.p.Cash += proceeds
	l.p.Holdings[q.Symbol] -= coinAmount
	tx := l.recordLocked(Transaction{
		Type:     TxSell,
		Coin:     q.Symbol,
		CoinName: q.Name,
		Amount:   coinAmount,
		Price:    q.Price,
		Total:    proceeds,
	})
	l.mu.Unlock()
	l.appendRemote(tx)
	return proceeds, nil
}

// CreateCoin debits the creation cost and starts tracking the symbol
// with a zero holding.
func (l *Ledger) CreateCoin(name, symbol string) error {
	l.mu.Lock()
	if l.p.Cash < l.cfg.CoinCreationCost {
		l.mu.Unlock()
		return ErrInsufficientFunds
	}
	if _, ok := l.p.Holdings[symbol]; ok {
		l.mu.Unlock()
		return ErrDuplicateSymbol
	}
	l.p.Cash -= l.cfg.CoinCreationCost
	l.p.Networth = market.RoundMoney(l.p.Networth - l.cfg.CoinCreationCost)
	l.p.Holdings[symbol] = 0
	tx := l.recordLocked(Transaction{
		Type:     TxCreateCoin,
		Coin:     symbol,
		CoinName: name,
		Total:    -l.cfg.CoinCreationCost,
	})
	l.mu.Unlock()
	l.appendRemote(tx)
	return nil
}

// SettleSideGame applies a side-game result to cash. A positive delta
// is a win, a negative one a loss; losses cannot exceed available cash.
func (l *Ledger) SettleSideGame(game string, delta float64) error {
	l.mu.Lock()
	if delta == 0 {
		l.mu.Unlock()
		return ErrInvalidAmount
	}
	if -delta > l.p.Cash {
		l.mu.Unlock()
		return ErrInsufficientFunds
	}
	typ := TxSideWin
	if delta < 0 {
		typ = TxSideLoss
	}
	l.p.Cash = market.RoundMoney(l.p.Cash + delta)
	tx := l.recordLocked(Transaction{
		Type:   typ,
		Reason: game,
		Total:  delta,
	})
	l.mu.Unlock()
	l.appendRemote(tx)
	return nil
}

// CalculateNetworth recomputes cash plus holdings marked at the given
// quotes. Symbols missing from the snapshot contribute zero. Triggers
// ruin evaluation when both net worth and cash are non-positive.
func (l *Ledger) CalculateNetworth(quotes map[string]market.Quote) float64 {
	l.mu.Lock()
	total := l.p.Cash
	for symbol, amount := range l.p.Holdings {
		if q, ok := quotes[symbol]; ok {
			total += amount * q.Price
		}
	}
	l.p.Networth = market.RoundMoney(total)
	ruined := l.p.Networth <= 0 && l.p.Cash <= 0
	fire := false
	if ruined && l.suspendCount == 0 && !l.ruinShown {
		l.ruinShown = true
		fire = true
	}
	networth := l.p.Networth
	onRuin := l.onRuin
	l.mu.Unlock()

	if fire {
		l.log.Info("ruin detected", "networth", networth)
		if onRuin != nil {
			onRuin()
		}
	}
	return networth
}

// SuspendRuin acquires a ruin-suppression guard for an in-flight side
// activity (a wager mid-hand holds cash at zero without being broke).
// The returned release func must be called exactly once when the
// activity settles.
func (l *Ledger) SuspendRuin() func() {
	l.mu.Lock()
	l.suspendCount++
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.suspendCount--
			l.mu.Unlock()
		})
	}
}

// AcknowledgeRuin ends the ruin episode: the portfolio resets to its
// starting state and the prompt re-arms for a future episode.
func (l *Ledger) AcknowledgeRuin() {
	l.Reset()
}

// Reset restores starting cash, clears holdings and history, and
// re-arms the ruin prompt.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()
}

func (l *Ledger) resetLocked() {
	holdings := make(map[string]float64, len(l.p.Holdings))
	for symbol := range l.p.Holdings {
		holdings[symbol] = 0
	}
	l.p = Portfolio{
		Cash:     l.cfg.StartingCash,
		Holdings: holdings,
		Networth: l.cfg.StartingCash,
	}
	l.txs = nil
	l.ruinShown = false
	l.scheduleSaveLocked()
}

// HandleDelisting zeroes any holding of the delisted coin and records a
// liquidation with zero proceeds. An involuntary total loss, not a sale.
func (l *Ledger) HandleDelisting(ev market.DelistEvent) {
	l.mu.Lock()
	held := l.p.Holdings[ev.Symbol]
	if held <= 0 {
		l.mu.Unlock()
		return
	}
	l.p.Holdings[ev.Symbol] = 0
	tx := l.recordLocked(Transaction{
		Type:      TxLiquidation,
		Coin:      ev.Symbol,
		CoinName:  ev.Name,
		Amount:    held,
		Price:     0,
		Total:     0,
		Reason:    ev.Reason,
		Timestamp: ev.Time,
	})
	l.mu.Unlock()
	l.appendRemote(tx)
	l.log.Warn("holdings liquidated", "symbol", ev.Symbol, "amount", held, "reason", ev.Reason)
}

// Snapshot returns copies of the portfolio and the transaction log,
// most recent first.
func (l *Ledger) Snapshot() (Portfolio, []Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolioCopyLocked(), append([]Transaction(nil), l.txs...)
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Cash
}

// Holding returns the owned quantity of one symbol.
func (l *Ledger) Holding(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Holdings[symbol]
}

// Networth returns the last computed net worth.
func (l *Ledger) Networth() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Networth
}

// Flush forces any pending debounced save to run now. Call on teardown.
func (l *Ledger) Flush() {
	l.debounce.Flush()
}

// Close cancels pending persistence work.
func (l *Ledger) Close() {
	l.debounce.Cancel()
}

// recordLocked finalizes the transaction into the bounded local log and
// arms the debounced save. The remote append runs through appendRemote
// after the caller releases the lock; the store write must never stall
// trading or the merge path.
func (l *Ledger) recordLocked(tx Transaction) Transaction {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now()
	}
	l.txs = append([]Transaction{tx}, l.txs...)
	if max := l.cfg.MaxTransactions; max > 0 && len(l.txs) > max {
		l.txs = l.txs[:max]
	}
	l.scheduleSaveLocked()
	return tx
}

func (l *Ledger) appendRemote(tx Transaction) {
	l.mu.Lock()
	appendTx := l.appendTx
	l.mu.Unlock()
	if appendTx == nil {
		return
	}
	if err := appendTx(tx); err != nil {
		l.log.Warn("transaction append failed", "type", tx.Type, "err", err)
	}
}

func (l *Ledger) scheduleSaveLocked() {
	if l.savePortfolio != nil {
		l.debounce.Arm()
	}
}

func (l *Ledger) saveNow() {
	l.mu.Lock()
	save := l.savePortfolio
	p := l.portfolioCopyLocked()
	l.mu.Unlock()
	if save == nil {
		return
	}
	if err := save(p); err != nil {
		// Retried on the next debounce cycle.
		l.log.Warn("portfolio save failed", "err", err)
	}
}

func (l *Ledger) portfolioCopyLocked() Portfolio {
	holdings := make(map[string]float64, len(l.p.Holdings))
	for symbol, amount := range l.p.Holdings {
		holdings[symbol] = amount
	}
	return Portfolio{Cash: l.p.Cash, Holdings: holdings, Networth: l.p.Networth}
}
