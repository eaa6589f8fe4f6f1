package election

import (
	"context"
	"testing"
	"time"

	"moonrush/internal/store"
)

var testCfg = Config{
	HeartbeatEvery: 10 * time.Second,
	StaleAfter:     30 * time.Second,
	TakeoverEvery:  15 * time.Second,
}

func newTestElector(st store.Store, id string, at time.Time) *Elector {
	e := New(st, id, testCfg, nil)
	e.now = func() time.Time { return at }
	return e
}

func TestSingleWinner(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	winners := 0
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		e := newTestElector(st, id, now)
		won, err := e.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("elector %d: %v", i, err)
		}
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d electors won mastership, want 1", winners)
	}
}

func TestFreshLeaseRejected(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("first elector should win")
	}

	b := newTestElector(st, "b", now.Add(5*time.Second))
	won, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if won {
		t.Fatalf("fresh lease was stolen")
	}
}

func TestStaleTakeoverAndSelfDemotion(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	demoted := false
	a.OnDemote(func() { demoted = true })
	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("a should win the empty lease")
	}

	// a stops heartbeating; 31s later b finds the lease stale.
	b := newTestElector(st, "b", now.Add(31*time.Second))
	won, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !won {
		t.Fatalf("stale lease not reclaimed")
	}

	// a comes back and heartbeats: the swap fails and a self-demotes.
	if err := a.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if a.IsMaster() {
		t.Fatalf("usurped master still thinks it leads")
	}
	if !demoted {
		t.Fatalf("demote callback not fired")
	}
	if !b.IsMaster() {
		t.Fatalf("b lost mastership it had claimed")
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("a should win")
	}
	a.now = func() time.Time { return now.Add(25 * time.Second) }
	if err := a.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// 31s after start but only 6s after the heartbeat: still fresh.
	b := newTestElector(st, "b", now.Add(31*time.Second))
	if won, _ := b.TryAcquire(ctx); won {
		t.Fatalf("refreshed lease treated as stale")
	}
}

func TestReadoptOwnLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("a should win")
	}

	// Same peer restarts within the stale window.
	restarted := newTestElector(st, "a", now.Add(5*time.Second))
	won, err := restarted.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("re-adopt: %v", err)
	}
	if !won {
		t.Fatalf("own fresh lease not re-adopted")
	}
}

func TestResignFreesLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("a should win")
	}
	a.Resign(ctx)
	if a.IsMaster() {
		t.Fatalf("resigned elector still leads")
	}

	// No stale wait needed after a clean resign.
	b := newTestElector(st, "b", now.Add(time.Second))
	won, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire after resign: %v", err)
	}
	if !won {
		t.Fatalf("cleared lease not claimable")
	}
}

func TestPromoteCallbackFiresOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	a := newTestElector(st, "a", now)
	promotions := 0
	a.OnPromote(func() { promotions++ })

	if won, _ := a.TryAcquire(ctx); !won {
		t.Fatalf("a should win")
	}
	if _, err := a.TryAcquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if promotions != 1 {
		t.Fatalf("promote fired %d times, want 1", promotions)
	}
}
