// Package store abstracts the shared backing store the peers coordinate
// through: a key-value tree with push notifications, an atomic
// compare-and-set primitive and ordered top-N/recent-N queries. Redis is
// the production implementation; an in-memory implementation backs tests
// and offline mode.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports a point read of an absent record.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable reports a connectivity failure. Callers degrade to
	// local-only operation and retry on their own schedule.
	ErrUnavailable = errors.New("backing store unavailable")
)

// UpdateFunc receives a child key and its serialized value.
type UpdateFunc func(key string, value []byte)

// CancelFunc tears down one subscription.
type CancelFunc func()

// Entry is one scored leaderboard row.
type Entry struct {
	Member string
	Score  float64
}

// Child is one pushed record of a collection.
type Child struct {
	Key   string
	Value []byte
}

// Store is the minimal contract the protocol needs from the backing
// store. Paths are slash-separated; the last segment of a record path is
// its key within the parent collection.
type Store interface {
	// Read returns the value at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write sets the value at path and notifies subscribers of the
	// parent collection.
	Write(ctx context.Context, path string, value []byte) error

	// WriteAll applies several writes together, notifying per path.
	WriteAll(ctx context.Context, updates map[string][]byte) error

	// Remove deletes the record at path.
	Remove(ctx context.Context, path string) error

	// RemoveAll deletes every child of a collection.
	RemoveAll(ctx context.Context, collection string) error

	// PushNew appends a new child with a generated key and notifies
	// child-added subscribers. Returns the new key.
	PushNew(ctx context.Context, collection string, value []byte) (string, error)

	// Subscribe delivers every child write under collection.
	Subscribe(ctx context.Context, collection string, fn UpdateFunc) (CancelFunc, error)

	// SubscribeChildAdded delivers only newly pushed children.
	SubscribeChildAdded(ctx context.Context, collection string, fn UpdateFunc) (CancelFunc, error)

	// CompareAndSwap atomically replaces the value at path if it still
	// equals old. A nil old means "create only if absent". Reports
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error)

	// SetScore upserts member's score on an ordered board.
	SetScore(ctx context.Context, board, member string, score float64) error

	// TopN returns the n highest-scored members, best first.
	TopN(ctx context.Context, board string, n int) ([]Entry, error)

	// RecentChildren returns the n most recently pushed children of a
	// collection, newest first.
	RecentChildren(ctx context.Context, collection string, n int) ([]Child, error)

	Close() error
}

// Record paths shared by every peer.
const (
	PricesCollection      = "market/prices"
	CustomCoinsCollection = "market/custom-coins"
	DelistingsCollection  = "market/delistings"
	ChatCollection        = "chat/messages"
	MasterPath            = "market/price-master"
	LeaderboardBoard      = "leaderboard/networth"
)

func PricePath(symbol string) string     { return PricesCollection + "/" + symbol }
func PortfolioPath(userID string) string { return "users/" + userID + "/portfolio" }
func ProfilePath(userID string) string   { return "users/" + userID + "/profile" }
func TransactionsPath(userID string) string {
	return "users/" + userID + "/transactions"
}
