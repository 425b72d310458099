package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrClosed  = errors.New("bridge closed")
	ErrDropped = errors.New("operation dropped from full bridge queue")
)

// Op is an operation executed on the bridge worker. The context is
// cancelled when the bridge shuts down.
type Op func(ctx context.Context) error

type job struct {
	name string
	op   Op
	done chan error // nil for fire-and-forget jobs
}

// Bridge runs network operations one at a time on a single background
// worker so that serial loops never block on them unless they ask to.
type Bridge struct {
	queue   chan job
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	enqueueMu    sync.Mutex
	shutdownOnce sync.Once
}

func New(queueSize int, logger *zap.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		queue:   make(chan job, queueSize),
		logger:  logger.Named("bridge"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	go b.worker()
	return b
}

func (b *Bridge) worker() {
	defer close(b.stopped)

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case j := <-b.queue:
			// A job picked up together with shutdown is failed, not run.
			if b.ctx.Err() != nil {
				b.finish(j, ErrClosed)
				b.drain()
				return
			}
			b.finish(j, b.execute(j))
		}
	}
}

func (b *Bridge) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", j.name, r)
		}
	}()
	return j.op(b.ctx)
}

func (b *Bridge) finish(j job, err error) {
	if j.done != nil {
		j.done <- err
		return
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		b.logger.Error("Background operation failed",
			zap.String("operation", j.name),
			zap.Error(err))
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case j := <-b.queue:
			b.finish(j, ErrClosed)
		default:
			return
		}
	}
}

// Go schedules op and returns immediately. When the queue is full the
// oldest queued operation is dropped with a warning.
func (b *Bridge) Go(name string, op Op) {
	if b.ctx.Err() != nil {
		b.logger.Warn("Bridge closed, operation discarded", zap.String("operation", name))
		return
	}

	b.enqueueMu.Lock()
	defer b.enqueueMu.Unlock()

	j := job{name: name, op: op}
	for {
		select {
		case b.queue <- j:
			return
		default:
		}

		select {
		case old := <-b.queue:
			b.logger.Warn("Bridge queue full, dropping oldest operation",
				zap.String("dropped", old.name),
				zap.String("operation", name))
			if old.done != nil {
				old.done <- ErrDropped
			}
		default:
		}
	}
}

// Run schedules op and waits for its result. op sees a context that ends
// with either ctx or the bridge, and is skipped when ctx is already done by
// the time the worker reaches it.
func (b *Bridge) Run(ctx context.Context, name string, op Op) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	bound := func(bctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		opCtx, cancel := context.WithCancel(bctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return op(opCtx)
	}

	j := job{name: name, op: bound, done: make(chan error, 1)}
	select {
	case b.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		// The worker may have completed the job right before stopping.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Call runs fn on the bridge and returns its value.
func Call[T any](ctx context.Context, b *Bridge, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	out := make(chan T, 1)
	err := b.Run(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out <- v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-out, nil
}

// Shutdown cancels the running operation, fails everything still queued
// and stops the worker.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		<-b.stopped
		b.drain()
		b.logger.Info("Bridge stopped")
	})
}
