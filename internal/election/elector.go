// Package election decides which single peer advances prices. Mastership
// is a lease record in the backing store, refreshed by heartbeat and
// reclaimed by any follower once it goes stale. Acquisition goes through
// the store's compare-and-set, so two candidates racing for a stale
// lease cannot both win.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"moonrush/internal/store"
)

// Record is the lease as stored: who owns mastership and when they last
// proved liveness.
type Record struct {
	OwnerID       string    `json:"owner_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Config carries the protocol intervals. StaleAfter bounds how long a
// dead master can block the market.
type Config struct {
	HeartbeatEvery time.Duration
	StaleAfter     time.Duration
	TakeoverEvery  time.Duration
}

// Elector runs the mastership state machine for one peer.
type Elector struct {
	store store.Store
	id    string
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	leading bool
	lastRaw []byte // record bytes we last wrote, the CAS expectation

	onPromote func()
	onDemote  func()
}

func New(st store.Store, ownerID string, cfg Config, logger *slog.Logger) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		store: st,
		id:    ownerID,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
	}
}

// OnPromote registers a callback fired on Follower->Master transitions.
func (e *Elector) OnPromote(fn func()) { e.onPromote = fn }

// OnDemote registers a callback fired when mastership is lost.
func (e *Elector) OnDemote(fn func()) { e.onDemote = fn }

// IsMaster reports whether this peer currently holds the lease.
func (e *Elector) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// TryAcquire makes one attempt at mastership: absent or stale leases are
// claimed with a compare-and-set against the exact bytes observed, so a
// concurrent claimant loses cleanly.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	raw, err := e.store.Read(ctx, store.MasterPath)
	switch {
	case errors.Is(err, store.ErrNotFound):
		raw = nil
	case err != nil:
		return false, fmt.Errorf("read master record: %w", err)
	}

	if raw != nil {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err == nil {
			fresh := e.now().Sub(rec.LastHeartbeat) <= e.cfg.StaleAfter
			if fresh && rec.OwnerID != e.id {
				return false, nil
			}
			if fresh && rec.OwnerID == e.id {
				// Our own lease, e.g. after a restart within the stale
				// window. Re-adopt it.
				e.adopt(raw)
				return true, nil
			}
		}
		// Stale or unreadable record: fall through and try to claim it.
	}

	next, err := e.record()
	if err != nil {
		return false, err
	}
	swapped, err := e.store.CompareAndSwap(ctx, store.MasterPath, raw, next)
	if err != nil {
		return false, fmt.Errorf("claim master record: %w", err)
	}
	if !swapped {
		return false, nil
	}
	e.adopt(next)
	return true, nil
}

func (e *Elector) adopt(raw []byte) {
	e.mu.Lock()
	wasLeading := e.leading
	e.leading = true
	e.lastRaw = raw
	e.mu.Unlock()
	if !wasLeading {
		e.log.Info("promoted to price master", "owner_id", e.id)
		if e.onPromote != nil {
			e.onPromote()
		}
	}
}

func (e *Elector) demote(reason string) {
	e.mu.Lock()
	wasLeading := e.leading
	e.leading = false
	e.lastRaw = nil
	e.mu.Unlock()
	if wasLeading {
		e.log.Warn("demoted from price master", "owner_id", e.id, "reason", reason)
		if e.onDemote != nil {
			e.onDemote()
		}
	}
}

// Heartbeat refreshes the lease. The refresh is itself a compare-and-set
// against the record we last wrote: if it fails, someone else claimed
// mastership and we demote instead of fighting.
func (e *Elector) Heartbeat(ctx context.Context) error {
	e.mu.Lock()
	last := e.lastRaw
	leading := e.leading
	e.mu.Unlock()
	if !leading {
		return nil
	}

	next, err := e.record()
	if err != nil {
		return err
	}
	swapped, err := e.store.CompareAndSwap(ctx, store.MasterPath, last, next)
	if err != nil {
		// Connectivity loss is not fatal: the lease simply goes stale
		// and a follower reclaims it.
		e.log.Warn("heartbeat failed", "err", err)
		return nil
	}
	if !swapped {
		e.demote("lease taken over")
		return nil
	}
	e.mu.Lock()
	e.lastRaw = next
	e.mu.Unlock()
	return nil
}

// Resign releases the lease on clean shutdown so followers do not have
// to wait out the stale window.
func (e *Elector) Resign(ctx context.Context) {
	e.mu.Lock()
	last := e.lastRaw
	leading := e.leading
	e.mu.Unlock()
	if !leading {
		return
	}
	if _, err := e.store.CompareAndSwap(ctx, store.MasterPath, last, []byte(`{}`)); err != nil {
		e.log.Warn("resign failed", "err", err)
	}
	e.demote("resigned")
}

// Run drives the state machine: followers retry acquisition on the
// takeover interval, the master heartbeats. Both timers stop with ctx.
func (e *Elector) Run(ctx context.Context) error {
	if _, err := e.TryAcquire(ctx); err != nil {
		e.log.Warn("initial election attempt failed", "err", err)
	}
	for {
		var wait time.Duration
		if e.IsMaster() {
			wait = e.cfg.HeartbeatEvery
		} else {
			wait = e.cfg.TakeoverEvery
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.Resign(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-timer.C:
		}

		if e.IsMaster() {
			_ = e.Heartbeat(ctx)
			continue
		}
		if _, err := e.TryAcquire(ctx); err != nil {
			e.log.Warn("election attempt failed", "err", err)
		}
	}
}

func (e *Elector) record() ([]byte, error) {
	raw, err := json.Marshal(Record{OwnerID: e.id, LastHeartbeat: e.now()})
	if err != nil {
		return nil, fmt.Errorf("encode master record: %w", err)
	}
	return raw, nil
}
