// Package relay is the signaling relay client: named channels over a pub/sub
// transport, carrying typed JSON events between the two parties of a call.
//
// Wire format on topic proto.RelayTopicPrefix+name:
//
//	{"id":"<uuid>","event":"offer","from":"<peer id>","payload":{...}}
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

var ErrAlreadyJoined = errors.New("relay: channel already joined")

// seenCap bounds the per-channel duplicate filter.
const seenCap = 512

type envelope struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one received broadcast.
type Event struct {
	Name    string
	From    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("relay: %s event has no payload", e.Name)
	}
	return json.Unmarshal(e.Payload, v)
}

// Client joins relay channels on behalf of one local identity.
type Client struct {
	t      Transport
	selfID string

	mu     sync.Mutex
	joined map[string]*Channel
}

func NewClient(t Transport, selfID string) *Client {
	return &Client{t: t, selfID: selfID, joined: make(map[string]*Channel)}
}

func (c *Client) Self() string { return c.selfID }

// Join subscribes to channel name. Joining a name that is still joined is a
// caller bug and returns ErrAlreadyJoined.
func (c *Client) Join(ctx context.Context, name string) (*Channel, error) {
	c.mu.Lock()
	if _, ok := c.joined[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, name)
	}
	// Reserve the name while subscribing.
	c.joined[name] = nil
	c.mu.Unlock()

	topic := proto.RelayTopicPrefix + name
	sub, err := c.t.Subscribe(ctx, topic)
	if err != nil {
		c.mu.Lock()
		delete(c.joined, name)
		c.mu.Unlock()
		return nil, fmt.Errorf("relay: subscribe %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		client:   c,
		name:     name,
		topic:    topic,
		sub:      sub,
		handlers: make(map[string][]func(Event)),
		seen:     util.NewRingBuffer[string](seenCap),
		seenSet:  make(map[string]struct{}),
		start:    make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	c.mu.Lock()
	c.joined[name] = ch
	c.mu.Unlock()

	go ch.readLoop(loopCtx)
	log.Debugw("joined", "channel", name)
	return ch, nil
}

// Joined reports whether name is currently joined.
func (c *Client) Joined(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[name]
	return ok
}

// Post broadcasts one event on channel name without joining it, for callers
// that have nothing to receive there: a decline from the notification, or a
// record handed to another peer's inbox.
func (c *Client) Post(ctx context.Context, name, event string, payload any) error {
	if err := c.publish(ctx, proto.RelayTopicPrefix+name, event, payload); err != nil {
		return fmt.Errorf("relay: post %s on %s: %w", event, name, err)
	}
	return nil
}

func (c *Client) publish(ctx context.Context, topic, event string, payload any) error {
	env := envelope{ID: uuid.NewString(), Event: event, From: c.selfID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.t.Publish(ctx, topic, b)
}

func (c *Client) forget(name string) {
	c.mu.Lock()
	delete(c.joined, name)
	c.mu.Unlock()
}

// Channel is the handle for one joined relay channel. Handlers run on the
// channel's single read goroutine, in receipt order.
type Channel struct {
	client *Client
	name   string
	topic  string
	sub    Subscription

	mu       sync.RWMutex
	handlers map[string][]func(Event)
	left     bool

	// duplicate filter: seen is the eviction order for seenSet
	seen    *util.RingBuffer[string]
	seenSet map[string]struct{}

	startOnce sync.Once
	start     chan struct{}
	leaveOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

func (ch *Channel) Name() string { return ch.name }

// On registers fn for events named event. Register handlers before Listen.
func (ch *Channel) On(event string, fn func(Event)) {
	ch.mu.Lock()
	ch.handlers[event] = append(ch.handlers[event], fn)
	ch.mu.Unlock()
}

// Listen starts handler delivery. Messages received between Join and Listen
// are held by the transport and delivered once Listen is called.
func (ch *Channel) Listen() {
	ch.startOnce.Do(func() { close(ch.start) })
}

// Send broadcasts event with payload to every other member of the channel.
// After Leave it does nothing and returns nil.
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	ch.mu.RLock()
	left := ch.left
	ch.mu.RUnlock()
	if left {
		return nil
	}

	if err := ch.client.publish(ctx, ch.topic, event, payload); err != nil {
		return fmt.Errorf("relay: send %s on %s: %w", event, ch.name, err)
	}
	return nil
}

// Leave unsubscribes and drops all handlers. Idempotent.
func (ch *Channel) Leave() {
	ch.leaveOnce.Do(func() {
		ch.mu.Lock()
		ch.left = true
		ch.handlers = make(map[string][]func(Event))
		ch.mu.Unlock()

		ch.cancel()
		ch.sub.Cancel()
		ch.client.forget(ch.name)
		log.Debugw("left", "channel", ch.name)
	})
}

// Done is closed once the read loop has exited after Leave.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

func (ch *Channel) readLoop(ctx context.Context) {
	defer close(ch.done)

	select {
	case <-ch.start:
	case <-ctx.Done():
		return
	}

	for {
		b, err := ch.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				log.Warnw("receive failed", "channel", ch.name, "err", err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil {
			log.Debugw("dropping malformed message", "channel", ch.name, "err", err)
			continue
		}
		if env.From == ch.client.selfID || env.Event == "" {
			continue
		}
		if ch.duplicate(env.ID) {
			continue
		}
		ch.dispatch(Event{Name: env.Event, From: env.From, Payload: env.Payload})
	}
}

func (ch *Channel) duplicate(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := ch.seenSet[id]; ok {
		return true
	}
	if ch.seen.Len() == seenCap {
		if oldest := ch.seen.Tail(seenCap); len(oldest) > 0 {
			delete(ch.seenSet, oldest[0])
		}
	}
	ch.seen.Push(id)
	ch.seenSet[id] = struct{}{}
	return false
}

func (ch *Channel) dispatch(ev Event) {
	ch.mu.RLock()
	if ch.left {
		ch.mu.RUnlock()
		return
	}
	hs := append([]func(Event){}, ch.handlers[ev.Name]...)
	ch.mu.RUnlock()

	if len(hs) == 0 {
		log.Debugw("no handler", "channel", ch.name, "event", ev.Name, "from", util.ShortID(ev.From))
		return
	}
	for _, fn := range hs {
		fn(ev)
	}
}
