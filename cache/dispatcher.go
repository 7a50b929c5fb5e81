package cache

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
)

type evictionNotice struct {
	key       string
	value     interface{}
	reason    types.EvictionReason
	callbacks []types.EvictionCallback
}

// Dispatcher runs eviction callbacks away from the store lock. Callbacks of
// one entry run in order on a single goroutine; separate entries may be
// notified concurrently.
type Dispatcher struct {
	logger   types.Logger
	metrics  types.MetricsManager
	queue    chan evictionNotice
	stop     chan struct{}
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	failures atomic.Uint64
}

func NewDispatcher(logger types.Logger, metrics types.MetricsManager, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	d := &Dispatcher{
		logger:  logger,
		metrics: metrics,
		queue:   make(chan evictionNotice, queueSize),
		stop:    make(chan struct{}),
	}

	d.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}

	return d
}

// Dispatch never blocks: a full queue or a closed dispatcher hands the
// notice to a fresh goroutine.
func (d *Dispatcher) Dispatch(key string, value interface{}, reason types.EvictionReason, callbacks []types.EvictionCallback) {
	if len(callbacks) == 0 {
		return
	}

	n := evictionNotice{key: key, value: value, reason: reason, callbacks: callbacks}
	d.inflight.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.closed {
		select {
		case d.queue <- n:
			return
		default:
		}
	}

	go d.run(n)
}

// Wait blocks until every dispatched notice has been delivered or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return waitGroup(ctx, &d.inflight)
}

// Close stops the workers after the queue drains and waits for in-flight
// notices and for the workers to exit. Dispatch keeps working afterwards on
// ad hoc goroutines.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	if err := d.Wait(ctx); err != nil {
		return err
	}
	return waitGroup(ctx, &d.workers)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return types.JoinError(types.ErrContextCancelled, ctx.Err())
	}
}

func (d *Dispatcher) Failures() uint64 {
	return d.failures.Load()
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()

	for {
		select {
		case n := <-d.queue:
			d.run(n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.run(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(n evictionNotice) {
	defer d.inflight.Done()

	for i, cb := range n.callbacks {
		d.invoke(n, i, cb)
	}
}

func (d *Dispatcher) invoke(n evictionNotice, index int, cb types.EvictionCallback) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		d.failures.Add(1)
		if d.metrics != nil {
			d.metrics.Counter("cache_callback_failures_total", nil).Inc()
		}

		fields := []zap.Field{
			zap.String("key", n.key),
			zap.Stringer("reason", n.reason),
			zap.Int("callback", index),
			zap.Any("panic", r),
		}

		if sl, ok := d.logger.(types.StackLogger); ok {
			sl.ErrorWithStack("Eviction callback panicked", string(debug.Stack()), fields...)
			return
		}
		d.logger.Error("Eviction callback panicked", fields...)
	}()

	cb(n.key, n.value, n.reason)
}
