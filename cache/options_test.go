package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

func TestEntryOptions_Builders(t *testing.T) {
	tok := token.New()
	at := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	opts := NewEntryOptions().
		WithSlidingExpiration(time.Minute).
		WithAbsoluteExpiration(at).
		WithPriority(types.CachePriorityHigh).
		AddExpirationToken(tok).
		AddExpirationToken(nil).
		RegisterEvictionCallback(func(string, interface{}, types.EvictionReason) {}).
		RegisterEvictionCallback(nil)

	require.NoError(t, opts.Validate())
	require.Equal(t, time.Minute, opts.SlidingExpiration)
	require.Equal(t, at, *opts.AbsoluteExpiration)
	require.Equal(t, types.CachePriorityHigh, opts.Priority)
	require.Len(t, opts.Tokens, 1)
	require.Len(t, opts.Callbacks, 1)
}

func TestEntryOptions_DefaultPriorityIsNormal(t *testing.T) {
	require.Equal(t, types.CachePriorityNormal, NewEntryOptions().Priority)

	var zero EntryOptions
	require.Equal(t, types.CachePriorityNormal, zero.Priority)
}

func TestEntryOptions_ValidateKeepsFirstError(t *testing.T) {
	opts := NewEntryOptions().
		WithSlidingExpiration(-time.Second).
		WithAbsoluteExpirationRelativeToNow(0)

	err := opts.Validate()
	require.ErrorIs(t, err, types.ErrInvalidExpiration)
	require.Contains(t, err.Error(), "sliding")

	direct := &EntryOptions{SlidingExpiration: -time.Second}
	require.ErrorIs(t, direct.Validate(), types.ErrInvalidExpiration)
}

func TestEntryOptions_AbsoluteDeadlineEarliestWins(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, NewEntryOptions().absoluteDeadline(now).IsZero())

	opts := NewEntryOptions().
		WithAbsoluteExpiration(now.Add(time.Hour)).
		WithAbsoluteExpirationRelativeToNow(time.Minute)
	require.Equal(t, now.Add(time.Minute), opts.absoluteDeadline(now))

	opts = NewEntryOptions().
		WithAbsoluteExpiration(now.Add(time.Second)).
		WithAbsoluteExpirationRelativeToNow(time.Minute)
	require.Equal(t, now.Add(time.Second), opts.absoluteDeadline(now))
}

func TestEntryOptions_CloneIsIndependent(t *testing.T) {
	at := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	opts := NewEntryOptions().WithAbsoluteExpiration(at).AddExpirationToken(token.New())

	c := opts.clone()
	opts.AddExpirationToken(token.New())
	*opts.AbsoluteExpiration = at.Add(time.Hour)

	require.Len(t, c.Tokens, 1)
	require.Equal(t, at, *c.AbsoluteExpiration)
}

func TestEntryOptions_LinkTakesChildConstraints(t *testing.T) {
	at := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	parent := NewEntryOptions().WithAbsoluteExpiration(at).WithAbsoluteExpirationRelativeToNow(time.Hour)

	tok := token.New()
	child := NewEntryOptions().
		AddExpirationToken(tok).
		WithAbsoluteExpiration(at.Add(-time.Minute)).
		WithAbsoluteExpirationRelativeToNow(time.Minute)

	parent.link(child)
	parent.link(nil)

	require.Equal(t, []*token.Source{tok}, parent.Tokens)
	require.Equal(t, at.Add(-time.Minute), *parent.AbsoluteExpiration)
	require.Equal(t, time.Minute, parent.relativeToNow)

	later := NewEntryOptions().WithAbsoluteExpiration(at.Add(time.Hour))
	parent.link(later)
	require.Equal(t, at.Add(-time.Minute), *parent.AbsoluteExpiration)
}

func TestCacheEntry_Deadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	plain := newCacheEntry("k", 1, NewEntryOptions(), now)
	require.True(t, plain.Deadline().IsZero())
	require.Equal(t, types.EvictionReasonNone, plain.invalidReason(now.Add(24*time.Hour)))

	sliding := newCacheEntry("k", 1, NewEntryOptions().WithSlidingExpiration(time.Second), now)
	require.Equal(t, now.Add(time.Second), sliding.Deadline())

	sliding.touch(now.Add(500 * time.Millisecond))
	require.Equal(t, now.Add(1500*time.Millisecond), sliding.Deadline())
	require.Equal(t, types.EvictionReasonNone, sliding.invalidReason(now.Add(1499*time.Millisecond)))
	require.Equal(t, types.EvictionReasonExpired, sliding.invalidReason(now.Add(1500*time.Millisecond)))
}

func TestCacheEntry_LastAccessKeepsLocation(t *testing.T) {
	zone := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, zone)

	entry := newCacheEntry("k", 1, NewEntryOptions().WithSlidingExpiration(time.Minute), now)
	require.Equal(t, now, entry.LastAccess())
	require.Equal(t, zone, entry.LastAccess().Location())
	require.Equal(t, now.Add(time.Minute), entry.Deadline())
}

func TestCacheEntry_TouchNeverMovesBackwards(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := newCacheEntry("k", 1, NewEntryOptions().WithSlidingExpiration(time.Second), now)

	entry.touch(now.Add(800 * time.Millisecond))
	entry.touch(now.Add(200 * time.Millisecond))
	require.Equal(t, now.Add(1800*time.Millisecond), entry.Deadline())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry.touch(now.Add(time.Duration(i) * 10 * time.Millisecond))
		}(i)
	}
	wg.Wait()
	require.Equal(t, now.Add(800*time.Millisecond), entry.LastAccess())
}

func TestCacheEntry_TokenWinsOverExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := token.New()

	entry := newCacheEntry("k", 1, NewEntryOptions().AddExpirationToken(tok).WithSlidingExpiration(time.Second), now)
	tok.Cancel()

	require.Equal(t, types.EvictionReasonTokenExpired, entry.invalidReason(now.Add(time.Hour)))
}

func TestCacheEntry_MarkEvictedOnce(t *testing.T) {
	entry := newCacheEntry("k", 1, NewEntryOptions(), time.Now())

	require.Equal(t, types.EvictionReasonNone, entry.Reason())
	require.True(t, entry.markEvicted(types.EvictionReasonRemoved))
	require.False(t, entry.markEvicted(types.EvictionReasonExpired))
	require.Equal(t, types.EvictionReasonRemoved, entry.Reason())
}

func TestCacheEntry_AttachAfterReleaseDisposes(t *testing.T) {
	tok := token.New()
	entry := newCacheEntry("k", 1, NewEntryOptions(), time.Now())
	entry.release()

	fired := false
	entry.attach(tok.Subscribe(func() { fired = true }))
	tok.Cancel()

	require.False(t, fired)
}
