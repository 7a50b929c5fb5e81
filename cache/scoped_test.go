package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

func TestScopedEntry_CommitsOnClose(t *testing.T) {
	c := newTestCache(t, nil)

	entry := c.CreateEntry("k").
		SetValue("v").
		WithSlidingExpiration(time.Minute).
		WithPriority(types.CachePriorityHigh)

	_, ok := c.Get("k")
	require.False(t, ok, "nothing is visible before Close")

	require.NoError(t, entry.Close())
	require.NoError(t, entry.Close())

	value, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", value)
	require.Equal(t, "k", entry.Key())
	require.Equal(t, time.Minute, entry.Options().SlidingExpiration)
}

func TestScopedEntry_CloseCommitsOnce(t *testing.T) {
	c := newTestCache(t, nil)
	rec := &recorder{}

	entry := c.CreateEntry("k").SetValue(1).RegisterEvictionCallback(rec.callback)
	require.NoError(t, entry.Close())
	require.NoError(t, c.Remove("k"))
	require.NoError(t, entry.Close())

	_, ok := c.Get("k")
	require.False(t, ok)

	waitCallbacks(t, c)
	require.Equal(t, []evictionRecord{{key: "k", value: 1, reason: types.EvictionReasonRemoved}}, rec.all())
}

func TestScopedEntry_NoValueOrDiscardedCommitsNothing(t *testing.T) {
	c := newTestCache(t, nil)

	require.NoError(t, c.CreateEntry("empty").Close())

	discarded := c.CreateEntry("discarded").SetValue(1)
	discarded.Discard()
	require.NoError(t, discarded.Close())

	require.Zero(t, c.Count())
}

func TestScopedEntry_CloseReportsInvalidOptions(t *testing.T) {
	c := newTestCache(t, nil)

	entry := c.CreateEntry("k").SetValue(1).WithAbsoluteExpirationRelativeToNow(-time.Second)
	require.ErrorIs(t, entry.Close(), types.ErrInvalidExpiration)
	require.ErrorIs(t, entry.Close(), types.ErrInvalidExpiration)
	require.Zero(t, c.Count())
}

func TestScopedEntry_DependentEntryCascades(t *testing.T) {
	c := newTestCache(t, nil)
	rec := &recorder{}
	tok := token.New()

	parent := c.CreateEntry("page").RegisterEvictionCallback(rec.callback)
	require.NoError(t, parent.Set("fragment", "<p/>", NewEntryOptions().AddExpirationToken(tok).RegisterEvictionCallback(rec.callback)))
	parent.SetValue("<html/>")
	require.NoError(t, parent.Close())

	require.Equal(t, []string{"fragment", "page"}, c.Keys())

	tok.Cancel()
	waitCallbacks(t, c)

	require.Zero(t, c.Count())
	require.ElementsMatch(t, []evictionRecord{
		{key: "fragment", value: "<p/>", reason: types.EvictionReasonTokenExpired},
		{key: "page", value: "<html/>", reason: types.EvictionReasonTokenExpired},
	}, rec.all())
}

func TestScopedEntry_DependentAbsoluteDeadline(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, nil, WithClock(clock.Now))

	parent := c.CreateEntry("page").SetValue("page")
	require.NoError(t, parent.Set("part", "part", NewEntryOptions().WithAbsoluteExpiration(clock.Now().Add(time.Second))))
	require.NoError(t, parent.Close())

	clock.Advance(2 * time.Second)

	_, ok := c.Get("page")
	require.False(t, ok)
	_, ok = c.Get("part")
	require.False(t, ok)
}

func TestWithEntry(t *testing.T) {
	c := newTestCache(t, nil)

	err := WithEntry(c, "ok", func(entry *ScopedEntry) error {
		entry.SetValue("committed")
		return nil
	})
	require.NoError(t, err)

	value, ok := c.Get("ok")
	require.True(t, ok)
	require.Equal(t, "committed", value)

	boom := errors.New("render failed")
	err = WithEntry(c, "failed", func(entry *ScopedEntry) error {
		entry.SetValue("partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok = c.Get("failed")
	require.False(t, ok)
}

func TestWithEntry_PanicDiscards(t *testing.T) {
	c := newTestCache(t, nil)

	require.PanicsWithValue(t, "render panic", func() {
		_ = WithEntry(c, "k", func(entry *ScopedEntry) error {
			entry.SetValue("partial")
			panic("render panic")
		})
	})

	require.Zero(t, c.Count())
}
