package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

// CacheEntry is one stored key/value pair with its expiration policy.
// Options are copied at store time and never change afterwards.
type CacheEntry struct {
	key       string
	value     interface{}
	options   *EntryOptions
	absolute  time.Time
	createdAt time.Time

	lastAccess atomic.Int64
	reason     atomic.Int32
	evicted    atomic.Bool

	subMu    sync.Mutex
	subs     []*token.Subscription
	released bool
}

func newCacheEntry(key string, value interface{}, options *EntryOptions, now time.Time) *CacheEntry {
	e := &CacheEntry{
		key:       key,
		value:     value,
		options:   options,
		absolute:  options.absoluteDeadline(now),
		createdAt: now,
	}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *CacheEntry) Key() string {
	return e.key
}

func (e *CacheEntry) Value() interface{} {
	return e.value
}

func (e *CacheEntry) Priority() types.CachePriority {
	return e.options.Priority
}

func (e *CacheEntry) CreatedAt() time.Time {
	return e.createdAt
}

// LastAccess is reported in the location of CreatedAt.
func (e *CacheEntry) LastAccess() time.Time {
	return time.Unix(0, e.lastAccess.Load()).In(e.createdAt.Location())
}

// Reason is EvictionReasonNone while the entry is live.
func (e *CacheEntry) Reason() types.EvictionReason {
	return types.EvictionReason(e.reason.Load())
}

// Deadline returns the effective expiry; zero means the entry only leaves
// on removal, replacement or token cancellation.
func (e *CacheEntry) Deadline() time.Time {
	sliding := e.options.SlidingExpiration
	if sliding <= 0 {
		return e.absolute
	}

	slidingDeadline := e.LastAccess().Add(sliding)
	if e.absolute.IsZero() || slidingDeadline.Before(e.absolute) {
		return slidingDeadline
	}
	return e.absolute
}

func (e *CacheEntry) invalidReason(now time.Time) types.EvictionReason {
	for _, t := range e.options.Tokens {
		if t.IsCancelled() {
			return types.EvictionReasonTokenExpired
		}
	}

	if deadline := e.Deadline(); !deadline.IsZero() && !now.Before(deadline) {
		return types.EvictionReasonExpired
	}

	return types.EvictionReasonNone
}

// touch only moves the last access forward; a reader holding an older
// clock reading cannot shorten the sliding deadline.
func (e *CacheEntry) touch(now time.Time) {
	if e.options.SlidingExpiration <= 0 {
		return
	}

	next := now.UnixNano()
	for {
		prev := e.lastAccess.Load()
		if next <= prev || e.lastAccess.CompareAndSwap(prev, next) {
			return
		}
	}
}

// markEvicted succeeds once per entry.
func (e *CacheEntry) markEvicted(reason types.EvictionReason) bool {
	if !e.evicted.CompareAndSwap(false, true) {
		return false
	}
	e.reason.Store(int32(reason))
	return true
}

func (e *CacheEntry) attach(sub *token.Subscription) {
	e.subMu.Lock()
	if e.released {
		e.subMu.Unlock()
		sub.Dispose()
		return
	}
	e.subs = append(e.subs, sub)
	e.subMu.Unlock()
}

// release drops every token subscription so long-lived tokens stop
// referencing the entry.
func (e *CacheEntry) release() {
	e.subMu.Lock()
	subs := e.subs
	e.subs = nil
	e.released = true
	e.subMu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
}
