package bus

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one message delivered on topic.
type Handler func(topic string, payload []byte)

// Router maps topics to handlers. Transports subscribe every registered topic
// on each (re)connect and hand deliveries to Dispatch.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		routes: make(map[string]Handler),
		logger: logger,
	}
}

func (r *Router) Handle(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = h
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch runs the handler for topic. A panicking handler is logged and
// never propagates into the transport's callback goroutine.
func (r *Router) Dispatch(topic string, payload []byte) {
	r.mu.RLock()
	h, ok := r.routes[topic]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("No route for topic", zap.String("topic", topic))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Message handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", rec))
		}
	}()
	h(topic, payload)
}
