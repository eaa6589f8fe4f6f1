package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.Read(ctx, "a/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.Write(ctx, "a/b", []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := st.Read(ctx, "a/b")
	if err != nil || string(got) != "v1" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if err := st.Remove(ctx, "a/b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Read(ctx, "a/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed record still readable")
	}
}

func TestMemorySubscribe(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var gotKey, gotVal string
	fires := 0
	cancel, err := st.Subscribe(ctx, "market/prices", func(key string, value []byte) {
		fires++
		gotKey, gotVal = key, string(value)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := st.Write(ctx, "market/prices/BTC", []byte("snap")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fires != 1 || gotKey != "BTC" || gotVal != "snap" {
		t.Fatalf("fires=%d key=%q val=%q", fires, gotKey, gotVal)
	}

	// Other collections do not leak in.
	if err := st.Write(ctx, "chat/messages/x", []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fires != 1 {
		t.Fatalf("subscription fired for foreign collection")
	}

	cancel()
	if err := st.Write(ctx, "market/prices/BTC", []byte("snap2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fires != 1 {
		t.Fatalf("cancelled subscription still fired")
	}
}

func TestMemoryPushNewAndRecentChildren(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	added := 0
	if _, err := st.SubscribeChildAdded(ctx, "chat/messages", func(string, []byte) { added++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := st.PushNew(ctx, "chat/messages", []byte(msg)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if added != 3 {
		t.Fatalf("child-added fired %d times, want 3", added)
	}

	kids, err := st.RecentChildren(ctx, "chat/messages", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(kids) != 2 || string(kids[0].Value) != "three" || string(kids[1].Value) != "two" {
		t.Fatalf("recent children = %v", kids)
	}

	if err := st.RemoveAll(ctx, "chat/messages"); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	kids, _ = st.RecentChildren(ctx, "chat/messages", 10)
	if len(kids) != 0 {
		t.Fatalf("collection not cleared: %v", kids)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	// nil old: create only if absent.
	ok, err := st.CompareAndSwap(ctx, "lease", nil, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("create-if-absent failed: %v %v", ok, err)
	}
	ok, _ = st.CompareAndSwap(ctx, "lease", nil, []byte("b"))
	if ok {
		t.Fatalf("create-if-absent overwrote existing record")
	}

	ok, _ = st.CompareAndSwap(ctx, "lease", []byte("wrong"), []byte("b"))
	if ok {
		t.Fatalf("swap with mismatched old succeeded")
	}
	ok, _ = st.CompareAndSwap(ctx, "lease", []byte("a"), []byte("b"))
	if !ok {
		t.Fatalf("swap with matching old failed")
	}
	got, _ := st.Read(ctx, "lease")
	if string(got) != "b" {
		t.Fatalf("record = %q, want b", got)
	}
}

func TestMemoryTopN(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for member, score := range map[string]float64{"a": 10, "b": 30, "c": 20} {
		if err := st.SetScore(ctx, "board", member, score); err != nil {
			t.Fatalf("set score: %v", err)
		}
	}
	// Upsert replaces.
	if err := st.SetScore(ctx, "board", "a", 40); err != nil {
		t.Fatalf("set score: %v", err)
	}

	top, err := st.TopN(ctx, "board", 2)
	if err != nil {
		t.Fatalf("topn: %v", err)
	}
	if len(top) != 2 || top[0].Member != "a" || top[1].Member != "b" {
		t.Fatalf("top = %v", top)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path       string
		collection string
		key        string
	}{
		{path: "market/prices/BTC", collection: "market/prices", key: "BTC"},
		{path: "lease", collection: "", key: "lease"},
	}
	for _, tc := range tests {
		collection, key := splitPath(tc.path)
		if collection != tc.collection || key != tc.key {
			t.Fatalf("splitPath(%q) = %q, %q", tc.path, collection, key)
		}
	}
}
