package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It backs unit tests and the
// degraded local-only mode when the backing store is unreachable.
// Subscription callbacks run synchronously on the mutating goroutine.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	index   map[string][]string // collection -> child keys, push order
	scores  map[string]map[string]float64

	nextSub   int
	updateSub map[string]map[int]UpdateFunc
	childSub  map[string]map[int]UpdateFunc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]byte),
		index:     make(map[string][]string),
		scores:    make(map[string]map[string]float64),
		updateSub: make(map[string]map[int]UpdateFunc),
		childSub:  make(map[string]map[int]UpdateFunc),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, value []byte) error {
	return s.WriteAll(ctx, map[string][]byte{path: value})
}

func (s *MemoryStore) WriteAll(_ context.Context, updates map[string][]byte) error {
	type fire struct {
		fn  UpdateFunc
		key string
		val []byte
	}
	var fires []fire

	s.mu.Lock()
	for path, value := range updates {
		s.records[path] = append([]byte(nil), value...)
		collection, key := splitPath(path)
		for _, fn := range s.updateSub[collection] {
			fires = append(fires, fire{fn: fn, key: key, val: value})
		}
	}
	s.mu.Unlock()

	for _, f := range fires {
		f.fn(f.key, f.val)
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	collection, key := splitPath(path)
	kids := s.index[collection]
	for i, k := range kids {
		if k == key {
			s.index[collection] = append(kids[:i:i], kids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RemoveAll(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.index[collection] {
		delete(s.records, collection+"/"+key)
	}
	delete(s.index, collection)
	return nil
}

func (s *MemoryStore) PushNew(_ context.Context, collection string, value []byte) (string, error) {
	key := uuid.NewString()

	s.mu.Lock()
	s.records[collection+"/"+key] = append([]byte(nil), value...)
	s.index[collection] = append(s.index[collection], key)
	var fires []UpdateFunc
	for _, fn := range s.childSub[collection] {
		fires = append(fires, fn)
	}
	s.mu.Unlock()

	for _, fn := range fires {
		fn(key, value)
	}
	return key, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, collection string, fn UpdateFunc) (CancelFunc, error) {
	return s.addSub(s.updateSub, collection, fn), nil
}

func (s *MemoryStore) SubscribeChildAdded(_ context.Context, collection string, fn UpdateFunc) (CancelFunc, error) {
	return s.addSub(s.childSub, collection, fn), nil
}

func (s *MemoryStore) addSub(subs map[string]map[int]UpdateFunc, collection string, fn UpdateFunc) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs[collection] == nil {
		subs[collection] = make(map[int]UpdateFunc)
	}
	id := s.nextSub
	s.nextSub++
	subs[collection][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(subs[collection], id)
	}
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, path string, old, new []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.records[path]
	if old == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(cur, old) {
		return false, nil
	}
	s.records[path] = append([]byte(nil), new...)
	return true, nil
}

func (s *MemoryStore) SetScore(_ context.Context, board, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scores[board] == nil {
		s.scores[board] = make(map[string]float64)
	}
	s.scores[board][member] = score
	return nil
}

func (s *MemoryStore) TopN(_ context.Context, board string, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.scores[board]))
	for member, score := range s.scores[board] {
		out = append(out, Entry{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) RecentChildren(_ context.Context, collection string, n int) ([]Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kids := s.index[collection]
	out := make([]Child, 0, n)
	for i := len(kids) - 1; i >= 0 && len(out) < n; i-- {
		key := kids[i]
		if val, ok := s.records[collection+"/"+key]; ok {
			out = append(out, Child{Key: key, Value: append([]byte(nil), val...)})
		}
	}
	return out, nil
}
