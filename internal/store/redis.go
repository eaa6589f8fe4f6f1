package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "moonrush:"

// casScript swaps the value at KEYS[1] from ARGV[1] to ARGV[2]. An empty
// ARGV[1] means "create only if absent". Runs atomically server-side, so
// mastership takeover is a true compare-and-set rather than the
// read-then-write race of the minimal contract.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// envelope carries one child update over pub/sub.
type envelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RedisStore implements Store on a Redis server: records are plain keys,
// push notifications ride pub/sub channels per collection, and ordered
// queries use sorted sets.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity before the peer starts its loops.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func recordKey(path string) string {
	return keyPrefix + strings.ReplaceAll(path, "/", ":")
}

func updateChannel(collection string) string { return recordKey(collection) + "!u" }
func childChannel(collection string) string  { return recordKey(collection) + "!c" }
func indexKey(collection string) string      { return recordKey(collection) + "!i" }

func splitPath(path string) (collection, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (s *RedisStore) Read(ctx context.Context, path string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, recordKey(path)).Bytes()
	if err != nil {
		return nil, wrapErr("read "+path, err)
	}
	return val, nil
}

func (s *RedisStore) Write(ctx context.Context, path string, value []byte) error {
	return s.WriteAll(ctx, map[string][]byte{path: value})
}

func (s *RedisStore) WriteAll(ctx context.Context, updates map[string][]byte) error {
	pipe := s.rdb.TxPipeline()
	for path, value := range updates {
		collection, key := splitPath(path)
		pipe.Set(ctx, recordKey(path), value, 0)
		if collection != "" {
			payload, err := json.Marshal(envelope{Key: key, Value: value})
			if err != nil {
				return fmt.Errorf("encode update %s: %w", path, err)
			}
			pipe.Publish(ctx, updateChannel(collection), payload)
		}
	}
	_, err := pipe.Exec(ctx)
	return wrapErr("write", err)
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(path))
	if collection, key := splitPath(path); collection != "" {
		pipe.ZRem(ctx, indexKey(collection), key)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr("remove "+path, err)
}

func (s *RedisStore) RemoveAll(ctx context.Context, collection string) error {
	keys, err := s.rdb.ZRange(ctx, indexKey(collection), 0, -1).Result()
	if err != nil {
		return wrapErr("clear "+collection, err)
	}
	pipe := s.rdb.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, recordKey(collection+"/"+key))
	}
	pipe.Del(ctx, indexKey(collection))
	_, err = pipe.Exec(ctx)
	return wrapErr("clear "+collection, err)
}

func (s *RedisStore) PushNew(ctx context.Context, collection string, value []byte) (string, error) {
	key := uuid.NewString()
	payload, err := json.Marshal(envelope{Key: key, Value: value})
	if err != nil {
		return "", fmt.Errorf("encode child: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(collection+"/"+key), value, 0)
	pipe.ZAdd(ctx, indexKey(collection), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: key,
	})
	pipe.Publish(ctx, childChannel(collection), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", wrapErr("push "+collection, err)
	}
	return key, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, collection string, fn UpdateFunc) (CancelFunc, error) {
	return s.subscribe(ctx, updateChannel(collection), fn)
}

func (s *RedisStore) SubscribeChildAdded(ctx context.Context, collection string, fn UpdateFunc) (CancelFunc, error) {
	return s.subscribe(ctx, childChannel(collection), fn)
}

func (s *RedisStore) subscribe(ctx context.Context, channel string, fn UpdateFunc) (CancelFunc, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr("subscribe "+channel, err)
	}

	var once sync.Once
	done := make(chan struct{})
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				fn(env.Key, env.Value)
			}
		}
	}()

	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return cancel, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error) {
	res, err := casScript.Run(ctx, s.rdb, []string{recordKey(path)}, string(old), string(new)).Int()
	if err != nil {
		return false, wrapErr("cas "+path, err)
	}
	return res == 1, nil
}

func (s *RedisStore) SetScore(ctx context.Context, board, member string, score float64) error {
	err := s.rdb.ZAdd(ctx, recordKey(board), redis.Z{Score: score, Member: member}).Err()
	return wrapErr("score "+board, err)
}

func (s *RedisStore) TopN(ctx context.Context, board string, n int) ([]Entry, error) {
	rows, err := s.rdb.ZRevRangeWithScores(ctx, recordKey(board), 0, int64(n)-1).Result()
	if err != nil {
		return nil, wrapErr("top "+board, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		member, _ := row.Member.(string)
		out = append(out, Entry{Member: member, Score: row.Score})
	}
	return out, nil
}

func (s *RedisStore) RecentChildren(ctx context.Context, collection string, n int) ([]Child, error) {
	keys, err := s.rdb.ZRevRange(ctx, indexKey(collection), 0, int64(n)-1).Result()
	if err != nil {
		return nil, wrapErr("recent "+collection, err)
	}
	out := make([]Child, 0, len(keys))
	for _, key := range keys {
		val, err := s.rdb.Get(ctx, recordKey(collection+"/"+key)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, wrapErr("recent "+collection, err)
		}
		out = append(out, Child{Key: key, Value: val})
	}
	return out, nil
}
