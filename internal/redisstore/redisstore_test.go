package redisstore

import (
	"context"
	"testing"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"
	"custodial-ledger-go/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := New(client, "ledger:")
	t.Cleanup(st.Close)
	return st
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := New(client, "ledger:")
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "wallets/a", []byte("x")))

	v, err := mr.Get("ledger:v:wallets/a")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	members, err := mr.ZMembers("ledger:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"wallets/a"}, members)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	st, err := Open(context.Background(), models.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "l:"})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Put(context.Background(), "k", []byte("v")))
	assert.True(t, mr.Exists("l:v:k"))
}

func TestOpen_RequiresURL(t *testing.T) {
	_, err := Open(context.Background(), models.RedisConfig{})
	assert.Error(t, err)
}
