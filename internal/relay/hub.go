package relay

import (
	"context"
	"sync"
)

const hubQueueCap = 256

// Hub is an in-process Transport. Every Client sharing a Hub sees the others'
// broadcasts, which is how two call parties run inside a single process.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*hubSub]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*hubSub]struct{})}
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &hubSub{hub: h, topic: topic, ch: make(chan []byte, hubQueueCap), done: make(chan struct{})}
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*hubSub]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// Publish copies data to every current subscriber of topic. A subscriber whose
// queue is full loses the message, as a gossip peer would.
func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			log.Warnw("hub queue full, dropping message", "topic", topic)
		}
	}
	return nil
}

// Subscribers reports how many subscriptions topic currently has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.topic)
	}
}

type hubSub struct {
	hub   *Hub
	topic string
	ch    chan []byte
	once  sync.Once
	done  chan struct{}
}

func (s *hubSub) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.ch:
		return b, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *hubSub) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}
