// Package storetest holds behaviour checks every Ledger Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"custodial-ledger-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend produced by newStore; each subtest gets a fresh store
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "wallets/a", []byte(`{"id":"a"}`)))

		v, err := s.Get(ctx, "wallets/a")
		require.NoError(t, err)
		assert.Equal(t, `{"id":"a"}`, string(v))
	})

	t.Run("RangeScanOrderedAndBounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"groups/hot/c", "groups/hot/a", "groups/hotter/x", "groups/hot/b", "wallets/a"} {
			require.NoError(t, s.Put(ctx, k, []byte(k)))
		}

		kvs, err := s.RangeScan(ctx, "groups/hot/")
		require.NoError(t, err)
		keys := make([]string, 0, len(kvs))
		for _, kv := range kvs {
			keys = append(keys, kv.Key)
			assert.Equal(t, kv.Key, string(kv.Value))
		}
		assert.Equal(t, []string{"groups/hot/a", "groups/hot/b", "groups/hot/c"}, keys)
	})

	t.Run("HistoryOf", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "k", []byte("1")))
		require.NoError(t, s.Put(ctx, "k", []byte("2")))
		require.NoError(t, s.Apply(ctx, []store.Mutation{store.Delete("k")}))

		h, err := s.HistoryOf(ctx, "k")
		require.NoError(t, err)
		require.Len(t, h, 3)
		assert.Equal(t, "1", string(h[0].Value))
		assert.Equal(t, "2", string(h[1].Value))
		assert.True(t, h[2].Deleted)

		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ApplyAllOrNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "a", []byte("1")))

		err := s.Apply(ctx, []store.Mutation{
			store.Put("b", []byte("2")),
			store.Put("a", []byte("3")).IfUnchanged([]byte("stale")),
		})
		assert.ErrorIs(t, err, store.ErrConcurrentModification)

		_, err = s.Get(ctx, "b")
		assert.ErrorIs(t, err, store.ErrNotFound)
		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))
	})

	t.Run("ApplyConditions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Apply(ctx, []store.Mutation{store.Put("x", []byte("1")).IfAbsent()}))
		err := s.Apply(ctx, []store.Mutation{store.Put("x", []byte("2")).IfAbsent()})
		assert.ErrorIs(t, err, store.ErrDuplicateTransaction)

		require.NoError(t, s.Apply(ctx, []store.Mutation{
			store.Check("x", store.CondPresent, nil),
			store.Put("x", []byte("2")).IfUnchanged([]byte("1")),
		}))
		err = s.Apply(ctx, []store.Mutation{store.Check("missing", store.CondPresent, nil)})
		assert.ErrorIs(t, err, store.ErrConcurrentModification)

		v, err := s.Get(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
	})

	t.Run("CompareAndSetUnderContention", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "cas", []byte("0")))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Apply(ctx, []store.Mutation{store.Put("cas", []byte("1")).IfUnchanged([]byte("0"))})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, store.ErrConcurrentModification) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
