package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunReturnsResultAndError(t *testing.T) {
	b := New(4, zap.NewNop())
	defer b.Shutdown()

	v, err := Call(context.Background(), b, "answer", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	err = b.Run(context.Background(), "fail", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOperationsRunSerializedInOrder(t *testing.T) {
	b := New(16, zap.NewNop())
	defer b.Shutdown()

	var mu sync.Mutex
	var order []int
	running := 0
	overlap := false

	for i := 0; i < 10; i++ {
		i := i
		b.Go("step", func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			order = append(order, i)
			running--
			mu.Unlock()
			return nil
		})
	}

	// Run is queued behind every Go call above.
	require.NoError(t, b.Run(context.Background(), "barrier", func(ctx context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestGoDropsOldestWhenFull(t *testing.T) {
	b := New(2, zap.NewNop())
	defer b.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	b.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var mu sync.Mutex
	var ran []string
	record := func(name string) Op {
		return func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	b.Go("a", record("a"))
	b.Go("b", record("b"))
	b.Go("c", record("c"))
	close(release)

	require.NoError(t, b.Run(context.Background(), "barrier", func(ctx context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "c"}, ran)
}

func TestPanicIsReportedAsError(t *testing.T) {
	b := New(1, zap.NewNop())
	defer b.Shutdown()

	err := b.Run(context.Background(), "panics", func(ctx context.Context) error {
		panic("bad")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The worker survives the panic.
	require.NoError(t, b.Run(context.Background(), "after", func(ctx context.Context) error { return nil }))
}

func TestShutdownCancelsInFlightAndQueued(t *testing.T) {
	b := New(4, zap.NewNop())

	started := make(chan struct{})
	inflight := make(chan error, 1)
	go func() {
		inflight <- b.Run(context.Background(), "long", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- b.Run(context.Background(), "queued", func(ctx context.Context) error { return nil })
	}()
	// Give the queued call time to enter the queue.
	time.Sleep(20 * time.Millisecond)

	b.Shutdown()

	assert.ErrorIs(t, <-inflight, context.Canceled)
	assert.ErrorIs(t, <-queued, ErrClosed)
	assert.ErrorIs(t, b.Run(context.Background(), "late", func(ctx context.Context) error { return nil }), ErrClosed)

	b.Go("late", func(ctx context.Context) error {
		t.Error("operation ran after shutdown")
		return nil
	})
	b.Shutdown()
}

func TestRunHonoursCallerContext(t *testing.T) {
	b := New(1, zap.NewNop())
	defer b.Shutdown()

	release := make(chan struct{})
	b.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Run(ctx, "waits", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunSkipsOperationAbandonedInQueue(t *testing.T) {
	b := New(2, zap.NewNop())
	defer b.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	b.Go("consume", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var mu sync.Mutex
	ran := false
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Run(ctx, "balance_of", func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, b.Run(context.Background(), "barrier", func(ctx context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran)
}

func TestRunCancelsOperationWithCaller(t *testing.T) {
	b := New(1, zap.NewNop())
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- b.Run(ctx, "slow", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	require.NoError(t, b.Run(context.Background(), "after", func(ctx context.Context) error { return nil }))
}
