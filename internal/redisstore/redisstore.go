// Package redisstore is the Redis backend of the Ledger Store.
//
// Layout under the configured prefix:
//
//	v:{key}  current value (string)
//	h:{key}  history list, oldest first
//	idx      sorted set of live keys (all scores 0) for lexicographic range scans
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ store.Store = (*Store)(nil)

const maxApplyAttempts = 5

type Store struct {
	client *redis.Client
	prefix string
}

// historyEntry is the JSON form of one history list element
type historyEntry struct {
	Value      []byte `json:"v,omitempty"`
	Deleted    bool   `json:"d,omitempty"`
	RecordedAt int64  `json:"t"`
}

// NewClient configures a Redis client and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Open connects using cfg and returns a store owning the client
func Open(ctx context.Context, cfg models.RedisConfig) (*Store, error) {
	client, err := NewClient(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Redis connection established", zap.String("key_prefix", cfg.KeyPrefix))
	return New(client, cfg.KeyPrefix), nil
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) valueKey(key string) string   { return s.prefix + "v:" + key }
func (s *Store) historyKey(key string) string { return s.prefix + "h:" + key }
func (s *Store) indexKey() string             { return s.prefix + "idx" }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Apply(ctx, []store.Mutation{store.Put(key, value)})
}

func (s *Store) RangeScan(ctx context.Context, prefix string) ([]store.KV, error) {
	lo, hi := "-", "+"
	if prefix != "" {
		lo = "[" + prefix
	}
	if end := store.PrefixEnd(prefix); end != "" {
		hi = "(" + end
	}

	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	valueKeys := make([]string, len(keys))
	for i, k := range keys {
		valueKeys[i] = s.valueKey(k)
	}
	values, err := s.client.MGet(ctx, valueKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", prefix, err)
	}

	out := make([]store.KV, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between index read and value read
			continue
		}
		out = append(out, store.KV{Key: keys[i], Value: []byte(str)})
	}
	return out, nil
}

func (s *Store) HistoryOf(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history %s: %w", key, err)
	}

	out := make([]store.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var h historyEntry
		if err := json.Unmarshal([]byte(r), &h); err != nil {
			return nil, fmt.Errorf("failed to decode history of %s: %w", key, err)
		}
		out = append(out, store.HistoryEntry{
			Value:      h.Value,
			Deleted:    h.Deleted,
			RecordedAt: time.Unix(0, h.RecordedAt).UTC(),
		})
	}
	return out, nil
}

// Apply watches every key carrying a condition, checks the conditions and commits the
// writes in one MULTI/EXEC. A watched key changing underneath retries the whole attempt.
func (s *Store) Apply(ctx context.Context, batch []store.Mutation) error {
	var watched []string
	for _, mut := range batch {
		if mut.Cond != store.CondNone {
			watched = append(watched, s.valueKey(mut.Key))
		}
	}

	txf := func(tx *redis.Tx) error {
		for _, mut := range batch {
			if mut.Cond == store.CondNone {
				continue
			}
			cur, err := tx.Get(ctx, s.valueKey(mut.Key)).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists = false
			} else if err != nil {
				return fmt.Errorf("redis check %s: %w", mut.Key, err)
			}
			if !store.ConditionHolds(mut, cur, exists) {
				return store.ConditionError(mut.Cond)
			}
		}

		now := time.Now().UnixNano()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, mut := range batch {
				switch {
				case mut.CheckOnly:
					continue
				case mut.Delete:
					entry, _ := json.Marshal(historyEntry{Deleted: true, RecordedAt: now})
					pipe.Del(ctx, s.valueKey(mut.Key))
					pipe.ZRem(ctx, s.indexKey(), mut.Key)
					pipe.RPush(ctx, s.historyKey(mut.Key), entry)
				default:
					entry, _ := json.Marshal(historyEntry{Value: mut.Value, RecordedAt: now})
					pipe.Set(ctx, s.valueKey(mut.Key), mut.Value, 0)
					pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: mut.Key})
					pipe.RPush(ctx, s.historyKey(mut.Key), entry)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			zap.L().Debug("Redis transaction aborted by concurrent write, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return store.ErrConcurrentModification
}

func (s *Store) Close() {
	if err := s.client.Close(); err != nil {
		zap.L().Warn("Failed to close redis connection", zap.Error(err))
	}
}
