package relay

import (
	"context"
	"errors"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// PubSub carries relay topics over libp2p gossipsub. A gossipsub topic can
// only be joined once per router, so joins are shared and reference counted:
// the topic handle is closed when its last subscriber or publisher lets go.
type PubSub struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*topicRef
}

type topicRef struct {
	t    *pubsub.Topic
	refs int
}

func NewPubSub(ps *pubsub.PubSub) *PubSub {
	return &PubSub{ps: ps, topics: make(map[string]*topicRef)}
}

func (p *PubSub) acquire(topic string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.topics[topic]; ok {
		ref.refs++
		return ref.t, nil
	}
	t, err := p.ps.Join(topic)
	if err != nil {
		return nil, err
	}
	p.topics[topic] = &topicRef{t: t, refs: 1}
	return t, nil
}

func (p *PubSub) release(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.topics[topic]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(p.topics, topic)
	if err := ref.t.Close(); err != nil {
		log.Debugw("topic close", "topic", topic, "err", err)
	}
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := p.acquire(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		p.release(topic)
		return nil, err
	}
	return &psSub{owner: p, topic: topic, sub: sub}, nil
}

func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := p.acquire(topic)
	if err != nil {
		return err
	}
	defer p.release(topic)
	return t.Publish(ctx, data)
}

type psSub struct {
	owner *PubSub
	topic string
	sub   *pubsub.Subscription
	once  sync.Once
}

func (s *psSub) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return msg.Data, nil
}

func (s *psSub) Cancel() {
	s.once.Do(func() {
		s.sub.Cancel()
		s.owner.release(s.topic)
	})
}
