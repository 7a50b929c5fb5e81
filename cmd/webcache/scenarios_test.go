package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saiset-co/sai-memcache/cache"
	"github.com/saiset-co/sai-memcache/logger"
	"github.com/saiset-co/sai-memcache/types"
)

func newTestDemo(t *testing.T) *demo {
	t.Helper()

	log := logger.NewZapWrapper(zaptest.NewLogger(t))
	c, err := cache.NewMemoryCache(context.Background(), log, &types.CacheConfig{
		Enabled: true,
		Type:    "memory",
		Config:  map[string]interface{}{"cleanup_interval": ""},
	})
	require.NoError(t, err)

	d := newDemo(c, log)
	t.Cleanup(func() {
		d.Close()
		require.NoError(t, c.WaitForCallbacks(context.Background()))
	})
	return d
}

func TestDemo_BasicOperations(t *testing.T) {
	d := newTestDemo(t)

	first, err := d.TryGetSet()
	require.NoError(t, err)
	again, err := d.TryGetSet()
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.NoError(t, d.Remove())
	_, ok := d.Get()
	require.False(t, ok)

	created, err := d.GetOrCreate()
	require.NoError(t, err)
	cached, ok := d.Get()
	require.True(t, ok)
	require.Equal(t, created, cached)

	require.NoError(t, d.Remove())
	async, err := d.GetOrCreateAsync(context.Background())
	require.NoError(t, err)
	cached, ok = d.Get()
	require.True(t, ok)
	require.Equal(t, async, cached)
}

func TestDemo_CallbackEntry(t *testing.T) {
	d := newTestDemo(t)

	require.NoError(t, d.CreateCallbackEntry())
	cached, message := d.GetCallbackEntry()
	require.NotNil(t, cached)
	require.Nil(t, message)

	require.NoError(t, d.RemoveCallbackEntry())

	message, ok := d.await(callbackMessageKey, time.Second)
	require.True(t, ok)
	require.Equal(t, "Entry was evicted. Reason: Removed.", message)

	cached, _ = d.GetCallbackEntry()
	require.Nil(t, cached)
}

func TestDemo_DependentEntries(t *testing.T) {
	d := newTestDemo(t)

	require.ErrorIs(t, d.RemoveChildEntry(), types.ErrNotInitialized)
	require.NoError(t, d.CreateDependentEntries())

	parent, child, message := d.GetDependentEntries()
	require.NotNil(t, parent)
	require.NotNil(t, child)
	require.Nil(t, message)

	require.NoError(t, d.RemoveChildEntry())

	message, ok := d.await(dependentMessageKey, time.Second)
	require.True(t, ok)
	require.Equal(t, "Parent entry evicted. Reason: TokenExpired", message)

	parent, child, _ = d.GetDependentEntries()
	require.Nil(t, parent)
	require.Nil(t, child)
}

func TestDemo_CancelAfter(t *testing.T) {
	d := newTestDemo(t)
	d.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 42, 0, time.UTC) }

	_, _, err := d.CheckCancel(true)
	require.ErrorIs(t, err, types.ErrNotInitialized)

	require.NoError(t, d.CancelTest())

	ticks, message, err := d.CheckCancel(true)
	require.NoError(t, err)
	require.Equal(t, "42", ticks)
	require.Nil(t, message)

	message, ok := d.await(cancelMessageKey, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "'ticks':'42' was evicted because: TokenExpired", message)

	ticks, _, err = d.CheckCancel(false)
	require.NoError(t, err)
	require.Nil(t, ticks)
}
