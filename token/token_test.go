package token

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-memcache/logger"
)

func TestSource_CancelRunsSubscribersOnceInOrder(t *testing.T) {
	src := New()
	require.NotEmpty(t, src.ID())

	var order []int
	src.Subscribe(func() { order = append(order, 1) })
	src.Subscribe(func() { order = append(order, 2) })
	src.Subscribe(func() { order = append(order, 3) })

	require.False(t, src.IsCancelled())

	src.Cancel()
	src.Cancel()

	require.True(t, src.IsCancelled())
	require.Equal(t, []int{1, 2, 3}, order)

	select {
	case <-src.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSource_SubscribeAfterCancelRunsImmediately(t *testing.T) {
	src := New()
	src.Cancel()

	ran := false
	src.Subscribe(func() { ran = true })
	require.True(t, ran)
}

func TestSubscription_Dispose(t *testing.T) {
	src := New()

	var fired int32
	sub := src.Subscribe(func() { atomic.AddInt32(&fired, 1) })
	keep := src.Subscribe(func() { atomic.AddInt32(&fired, 10) })

	sub.Dispose()
	sub.Dispose()

	src.Cancel()
	require.Equal(t, int32(10), atomic.LoadInt32(&fired))

	keep.Dispose()
}

func TestSource_CancelAfter(t *testing.T) {
	src := New()
	src.CancelAfter(20 * time.Millisecond)

	require.False(t, src.IsCancelled())
	require.Eventually(t, src.IsCancelled, time.Second, 5*time.Millisecond)
}

func TestSource_CancelAfterReschedules(t *testing.T) {
	src := New()
	src.CancelAfter(10 * time.Millisecond)
	src.CancelAfter(time.Hour)

	time.Sleep(50 * time.Millisecond)
	require.False(t, src.IsCancelled())

	src.CancelAfter(0)
	require.True(t, src.IsCancelled())
}

func TestSource_SubscriberPanicIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	src := NewWithLogger(logger.NewZapWrapper(zap.New(core)))

	var after bool
	src.Subscribe(func() { panic("subscriber failure") })
	src.Subscribe(func() { after = true })

	require.NotPanics(t, src.Cancel)
	require.True(t, after)
	require.Equal(t, 1, logs.FilterMessage("Token subscriber panicked").Len())
}

func TestLinked(t *testing.T) {
	a, b := New(), New()
	child := Linked(a, nil, b)

	require.False(t, child.IsCancelled())
	b.Cancel()
	require.True(t, child.IsCancelled())
	require.False(t, a.IsCancelled())
}

func TestSource_ConcurrentCancel(t *testing.T) {
	src := New()

	var fired int32
	for i := 0; i < 10; i++ {
		src.Subscribe(func() { atomic.AddInt32(&fired, 1) })
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Cancel()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), atomic.LoadInt32(&fired))
}
