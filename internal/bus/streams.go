package bus

import (
	"context"
	"sync"
)

type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamRegistry tracks the running telemetry publishers by device id.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[int64]*stream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[int64]*stream)}
}

// Start runs fn in its own goroutine unless a stream for id is already
// running. It reports whether a new stream was started.
func (r *StreamRegistry) Start(parent context.Context, id int64, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s := &stream{cancel: cancel, done: make(chan struct{})}
	r.streams[id] = s

	go func() {
		defer close(s.done)
		fn(ctx)
	}()
	return true
}

// Stop cancels the stream for id and waits for its publisher to return.
func (r *StreamRegistry) Stop(id int64) bool {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.cancel()
	<-s.done
	return true
}

func (r *StreamRegistry) StopAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[int64]*stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.cancel()
	}
	for _, s := range streams {
		<-s.done
	}
}

func (r *StreamRegistry) Active(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[id]
	return ok
}

func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
