package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/cache"
	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

const (
	entryKey            = "entry"
	callbackEntryKey    = "callback_entry"
	callbackMessageKey  = "callback_message"
	parentKey           = "parent"
	childKey            = "child"
	dependentMessageKey = "dependent_message"
	dependentTokenKey   = "dependent_token"
	cancelTokenKey      = "cancel_token"
	cancelMessageKey    = "cancel_message"
	ticksKey            = "ticks"
)

// outcome is a message an eviction callback leaves for the next read.
type outcome struct {
	slot    string
	message string
}

// demo replays the cache walkthrough against an injected cache handle.
// Callbacks never touch the cache directly; they post to outcomes and a
// single recorder goroutine stores the messages.
type demo struct {
	cache    cache.Manager
	logger   types.Logger
	now      func() time.Time
	outcomes chan outcome
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newDemo(c cache.Manager, logger types.Logger) *demo {
	d := &demo{
		cache:    c,
		logger:   logger,
		now:      time.Now,
		outcomes: make(chan outcome, 16),
		stop:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.record()

	return d
}

func (d *demo) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *demo) record() {
	defer d.wg.Done()

	for {
		select {
		case o := <-d.outcomes:
			if err := d.cache.Set(o.slot, o.message, nil); err != nil {
				d.logger.Error("Failed to record outcome", zap.String("slot", o.slot), zap.Error(err))
			}
		case <-d.stop:
			return
		}
	}
}

func (d *demo) post(slot, message string) {
	select {
	case d.outcomes <- outcome{slot: slot, message: message}:
	case <-d.stop:
	}
}

// TryGetSet stores the current time with a 3s sliding window unless an
// entry is already there.
func (d *demo) TryGetSet() (time.Time, error) {
	if v, ok := d.cache.Get(entryKey); ok {
		return v.(time.Time), nil
	}

	now := d.now()
	opts := cache.NewEntryOptions().WithSlidingExpiration(3 * time.Second)
	if err := d.cache.Set(entryKey, now, opts); err != nil {
		return time.Time{}, err
	}

	return now, nil
}

func (d *demo) Get() (time.Time, bool) {
	v, ok := d.cache.Get(entryKey)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

func (d *demo) GetOrCreate() (time.Time, error) {
	v, err := d.cache.GetOrCreate(entryKey, func(opts *cache.EntryOptions) (interface{}, error) {
		opts.WithSlidingExpiration(3 * time.Second)
		return d.now(), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (d *demo) GetOrCreateAsync(ctx context.Context) (time.Time, error) {
	v, err := d.cache.GetOrCreateAsync(ctx, entryKey, func(ctx context.Context, opts *cache.EntryOptions) (interface{}, error) {
		opts.WithSlidingExpiration(3 * time.Second)
		return d.now(), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (d *demo) Remove() error {
	return d.cache.Remove(entryKey)
}

func (d *demo) CreateCallbackEntry() error {
	opts := cache.NewEntryOptions().
		WithPriority(types.CachePriorityNeverRemove).
		RegisterEvictionCallback(func(_ string, _ interface{}, reason types.EvictionReason) {
			d.post(callbackMessageKey, fmt.Sprintf("Entry was evicted. Reason: %s.", reason))
		})

	return d.cache.Set(callbackEntryKey, d.now(), opts)
}

func (d *demo) GetCallbackEntry() (cached interface{}, message interface{}) {
	cached, _ = d.cache.Get(callbackEntryKey)
	message, _ = d.cache.Get(callbackMessageKey)
	return cached, message
}

func (d *demo) RemoveCallbackEntry() error {
	return d.cache.Remove(callbackEntryKey)
}

// CreateDependentEntries stores a parent that expires together with its
// child: cancelling the child's token evicts both.
func (d *demo) CreateDependentEntries() error {
	tok := token.NewWithLogger(d.logger)
	if err := d.cache.Set(dependentTokenKey, tok, nil); err != nil {
		return err
	}

	return cache.WithEntry(d.cache, parentKey, func(entry *cache.ScopedEntry) error {
		entry.SetValue(d.now())
		entry.RegisterEvictionCallback(func(_ string, _ interface{}, reason types.EvictionReason) {
			d.post(dependentMessageKey, fmt.Sprintf("Parent entry evicted. Reason: %s", reason))
		})

		return entry.Set(childKey, d.now(), cache.NewEntryOptions().AddExpirationToken(tok))
	})
}

func (d *demo) GetDependentEntries() (parent, child, message interface{}) {
	parent, _ = d.cache.Get(parentKey)
	child, _ = d.cache.Get(childKey)
	message, _ = d.cache.Get(dependentMessageKey)
	return parent, child, message
}

func (d *demo) RemoveChildEntry() error {
	v, ok := d.cache.Get(dependentTokenKey)
	if !ok {
		return types.Errorf(types.ErrNotInitialized, "no dependent entries")
	}

	v.(*token.Source).Cancel()
	return nil
}

func (d *demo) CancelTest() error {
	tok := token.NewWithLogger(d.logger)
	if err := d.cache.Set(cancelTokenKey, tok, nil); err != nil {
		return err
	}

	if err := d.cache.Remove(cancelMessageKey); err != nil {
		return err
	}

	opts := cache.NewEntryOptions().
		AddExpirationToken(tok).
		RegisterEvictionCallback(func(key string, value interface{}, reason types.EvictionReason) {
			d.post(cancelMessageKey, fmt.Sprintf("'%s':'%v' was evicted because: %s", key, value, reason))
		})

	return d.cache.Set(ticksKey, strconv.Itoa(d.now().Second()), opts)
}

// CheckCancel reads the ticks entry. With trigger set it first schedules
// the token to cancel in 100ms.
func (d *demo) CheckCancel(trigger bool) (ticks, message interface{}, err error) {
	if trigger {
		v, ok := d.cache.Get(cancelTokenKey)
		if !ok {
			return nil, nil, types.Errorf(types.ErrNotInitialized, "cancel test not started")
		}
		v.(*token.Source).CancelAfter(100 * time.Millisecond)
	}

	ticks, _ = d.cache.Get(ticksKey)
	message, _ = d.cache.Get(cancelMessageKey)
	return ticks, message, nil
}

// await polls key until it holds a value or timeout passes.
func (d *demo) await(key string, timeout time.Duration) (interface{}, bool) {
	deadline := time.Now().Add(timeout)

	for {
		if v, ok := d.cache.Get(key); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
