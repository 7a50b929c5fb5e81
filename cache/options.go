package cache

import (
	"time"

	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

// EntryOptions describes how an entry expires and who is told when it goes.
// Builder methods return the receiver so calls can be chained.
type EntryOptions struct {
	AbsoluteExpiration *time.Time
	SlidingExpiration  time.Duration
	Tokens             []*token.Source
	Callbacks          []types.EvictionCallback
	Priority           types.CachePriority

	relativeToNow time.Duration
	err           error
}

func NewEntryOptions() *EntryOptions {
	return &EntryOptions{Priority: types.CachePriorityNormal}
}

func (o *EntryOptions) WithSlidingExpiration(d time.Duration) *EntryOptions {
	if d <= 0 {
		o.fail(types.Errorf(types.ErrInvalidExpiration, "sliding expiration must be positive, got %v", d))
		return o
	}
	o.SlidingExpiration = d
	return o
}

func (o *EntryOptions) WithAbsoluteExpiration(t time.Time) *EntryOptions {
	o.AbsoluteExpiration = &t
	return o
}

// WithAbsoluteExpirationRelativeToNow fixes the deadline at d after the
// moment the entry is stored.
func (o *EntryOptions) WithAbsoluteExpirationRelativeToNow(d time.Duration) *EntryOptions {
	if d <= 0 {
		o.fail(types.Errorf(types.ErrInvalidExpiration, "relative expiration must be positive, got %v", d))
		return o
	}
	o.relativeToNow = d
	return o
}

func (o *EntryOptions) WithPriority(p types.CachePriority) *EntryOptions {
	o.Priority = p
	return o
}

func (o *EntryOptions) AddExpirationToken(t *token.Source) *EntryOptions {
	if t != nil {
		o.Tokens = append(o.Tokens, t)
	}
	return o
}

func (o *EntryOptions) RegisterEvictionCallback(fn types.EvictionCallback) *EntryOptions {
	if fn != nil {
		o.Callbacks = append(o.Callbacks, fn)
	}
	return o
}

// Validate reports the first invalid builder call, plus a negative
// SlidingExpiration assigned directly.
func (o *EntryOptions) Validate() error {
	if o.err != nil {
		return o.err
	}
	if o.SlidingExpiration < 0 {
		return types.Errorf(types.ErrInvalidExpiration, "sliding expiration must be positive, got %v", o.SlidingExpiration)
	}
	return nil
}

func (o *EntryOptions) hasExpiration() bool {
	return o.AbsoluteExpiration != nil || o.relativeToNow > 0 || o.SlidingExpiration > 0
}

// absoluteDeadline resolves the absolute and relative settings against now,
// earliest wins. Zero means none.
func (o *EntryOptions) absoluteDeadline(now time.Time) time.Time {
	var deadline time.Time

	if o.AbsoluteExpiration != nil {
		deadline = *o.AbsoluteExpiration
	}

	if o.relativeToNow > 0 {
		relative := now.Add(o.relativeToNow)
		if deadline.IsZero() || relative.Before(deadline) {
			deadline = relative
		}
	}

	return deadline
}

// link folds a child's tokens and absolute deadlines into o.
func (o *EntryOptions) link(child *EntryOptions) {
	if child == nil {
		return
	}

	o.Tokens = append(o.Tokens, child.Tokens...)

	if child.AbsoluteExpiration != nil {
		if o.AbsoluteExpiration == nil || child.AbsoluteExpiration.Before(*o.AbsoluteExpiration) {
			t := *child.AbsoluteExpiration
			o.AbsoluteExpiration = &t
		}
	}

	if child.relativeToNow > 0 && (o.relativeToNow == 0 || child.relativeToNow < o.relativeToNow) {
		o.relativeToNow = child.relativeToNow
	}
}

func (o *EntryOptions) clone() *EntryOptions {
	c := *o

	if o.AbsoluteExpiration != nil {
		t := *o.AbsoluteExpiration
		c.AbsoluteExpiration = &t
	}

	c.Tokens = append([]*token.Source(nil), o.Tokens...)
	c.Callbacks = append([]types.EvictionCallback(nil), o.Callbacks...)

	return &c
}

func (o *EntryOptions) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}
