package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/store/storetest"
)

func client(t *testing.T) goredis.UniversalClient {
	t.Helper()
	addr := os.Getenv("TXSTATE_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c := goredis.NewClient(&goredis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func open(t *testing.T, c goredis.UniversalClient) *Store[storetest.Item] {
	t.Helper()
	ns := "txstate-test-" + uuid.NewString()
	s, err := New(c, storetest.Schema(), WithNamespace(ns))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := c.Scan(ctx, 0, escapeGlob(ns)+":*", 0).Iterator()
		for iter.Next(ctx) {
			c.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestStore_Contract(t *testing.T) {
	c := client(t)
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Item] {
		return open(t, c)
	})
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
