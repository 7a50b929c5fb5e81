// Package token provides cancellable expiration signals that cache entries
// subscribe to. Cancelling a token invalidates every entry attached to it.
package token

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
)

// Source is a one-shot cancellation signal. The zero value is not usable,
// create one with New.
type Source struct {
	id        string
	logger    types.Logger
	cancelled atomic.Bool
	done      chan struct{}

	mu          sync.Mutex
	subscribers []*Subscription
	timer       *time.Timer
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	source   *Source
	fn       func()
	disposed atomic.Bool
}

func New() *Source {
	return &Source{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

func NewWithLogger(logger types.Logger) *Source {
	s := New()
	s.logger = logger
	return s
}

// Linked returns a token that is cancelled as soon as any parent is.
func Linked(parents ...*Source) *Source {
	child := New()

	for _, parent := range parents {
		if parent == nil {
			continue
		}
		if child.logger == nil {
			child.logger = parent.logger
		}
		parent.Subscribe(child.Cancel)
	}

	return child
}

func (s *Source) ID() string {
	return s.id
}

func (s *Source) SetLogger(logger types.Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

func (s *Source) IsCancelled() bool {
	return s.cancelled.Load()
}

// Done is closed once the token is cancelled.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Cancel moves the token to the cancelled state and runs subscribers in
// registration order on the calling goroutine. Only the first call has effect.
func (s *Source) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	subscribers := s.subscribers
	s.subscribers = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	close(s.done)

	for _, sub := range subscribers {
		if sub.disposed.Load() {
			continue
		}
		s.invoke(sub.fn)
	}
}

// CancelAfter schedules Cancel after d. A later call replaces the pending
// schedule; d <= 0 cancels now.
func (s *Source) CancelAfter(d time.Duration) {
	if d <= 0 {
		s.Cancel()
		return
	}

	if s.IsCancelled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.Cancel)
}

// Subscribe registers fn to run on cancellation. When the token is already
// cancelled fn runs immediately on the caller's goroutine.
func (s *Source) Subscribe(fn func()) *Subscription {
	sub := &Subscription{source: s, fn: fn}
	if fn == nil {
		sub.disposed.Store(true)
		return sub
	}

	s.mu.Lock()
	if !s.cancelled.Load() {
		s.subscribers = append(s.subscribers, sub)
		s.mu.Unlock()
		return sub
	}
	s.mu.Unlock()

	s.invoke(fn)
	return sub
}

func (s *Source) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			logger := s.logger
			s.mu.Unlock()

			if logger == nil {
				return
			}

			fields := []zap.Field{zap.String("token_id", s.id), zap.Any("panic", r)}
			if sl, ok := logger.(types.StackLogger); ok {
				sl.ErrorWithStack("Token subscriber panicked", string(debug.Stack()), fields...)
				return
			}
			logger.Error("Token subscriber panicked", fields...)
		}
	}()

	fn()
}

// Dispose unregisters the callback. Safe to call more than once.
func (sub *Subscription) Dispose() {
	if sub == nil || !sub.disposed.CompareAndSwap(false, true) {
		return
	}

	s := sub.source
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, candidate := range s.subscribers {
		if candidate == sub {
			s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
			break
		}
	}
}
