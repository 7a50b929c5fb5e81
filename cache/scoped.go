package cache

import (
	"sync"
	"time"

	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

// ScopedEntry builds an entry that is committed to the store on Close.
// Close commits at most once, and only if a value was assigned and the
// entry was not discarded.
type ScopedEntry struct {
	store     Manager
	key       string
	options   *EntryOptions
	mu        sync.Mutex
	value     interface{}
	hasValue  bool
	discarded bool
	closeOnce sync.Once
	closeErr  error
}

func newScopedEntry(store Manager, key string) *ScopedEntry {
	return &ScopedEntry{
		store:   store,
		key:     key,
		options: NewEntryOptions(),
	}
}

func (s *ScopedEntry) Key() string {
	return s.key
}

func (s *ScopedEntry) SetValue(value interface{}) *ScopedEntry {
	s.mu.Lock()
	s.value = value
	s.hasValue = true
	s.mu.Unlock()
	return s
}

func (s *ScopedEntry) Value() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}

func (s *ScopedEntry) Options() *EntryOptions {
	return s.options
}

func (s *ScopedEntry) WithSlidingExpiration(d time.Duration) *ScopedEntry {
	s.options.WithSlidingExpiration(d)
	return s
}

func (s *ScopedEntry) WithAbsoluteExpiration(t time.Time) *ScopedEntry {
	s.options.WithAbsoluteExpiration(t)
	return s
}

func (s *ScopedEntry) WithAbsoluteExpirationRelativeToNow(d time.Duration) *ScopedEntry {
	s.options.WithAbsoluteExpirationRelativeToNow(d)
	return s
}

func (s *ScopedEntry) WithPriority(p types.CachePriority) *ScopedEntry {
	s.options.WithPriority(p)
	return s
}

func (s *ScopedEntry) AddExpirationToken(t *token.Source) *ScopedEntry {
	s.options.AddExpirationToken(t)
	return s
}

func (s *ScopedEntry) RegisterEvictionCallback(fn types.EvictionCallback) *ScopedEntry {
	s.options.RegisterEvictionCallback(fn)
	return s
}

// Set stores a dependent entry right away and makes this scope expire with
// it: the child's tokens and absolute deadline are folded into the scope's
// options.
func (s *ScopedEntry) Set(childKey string, value interface{}, opts *EntryOptions) error {
	if err := s.store.Set(childKey, value, opts); err != nil {
		return err
	}

	s.options.link(opts)
	return nil
}

// Discard drops the pending entry. Close then commits nothing.
func (s *ScopedEntry) Discard() {
	s.mu.Lock()
	s.discarded = true
	s.mu.Unlock()
}

func (s *ScopedEntry) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		commit := s.hasValue && !s.discarded
		value := s.value
		s.mu.Unlock()

		if !commit {
			return
		}

		s.closeErr = s.store.Set(s.key, value, s.options)
	})

	return s.closeErr
}

// WithEntry runs fn against a fresh scoped entry for key. The entry is
// committed when fn returns nil and discarded when it errors or panics;
// a panic is re-raised after the discard.
func WithEntry(store Manager, key string, fn func(entry *ScopedEntry) error) (err error) {
	entry := store.CreateEntry(key)

	defer func() {
		if r := recover(); r != nil {
			entry.Discard()
			_ = entry.Close()
			panic(r)
		}
	}()

	if err = fn(entry); err != nil {
		entry.Discard()
		_ = entry.Close()
		return err
	}

	return entry.Close()
}
