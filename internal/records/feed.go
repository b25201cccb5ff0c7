package records

import "sync"

// Feed fans newly inserted records out to per-callee subscribers. Store
// implementations publish to it after a successful insert.
type Feed struct {
	mu   sync.RWMutex
	subs map[chan Record]string // channel -> callee filter
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Record]string)}
}

// Subscribe returns a channel receiving records whose CalleeID equals
// calleeID, and a cancel func. Slow subscribers drop records rather than
// blocking the writer.
func (f *Feed) Subscribe(calleeID string) (<-chan Record, func()) {
	ch := make(chan Record, 16)
	f.mu.Lock()
	f.subs[ch] = calleeID
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers rec to matching subscribers.
func (f *Feed) Publish(rec Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch, callee := range f.subs {
		if callee != rec.CalleeID {
			continue
		}
		select {
		case ch <- rec:
		default:
		}
	}
}

// Close cancels every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	for ch := range f.subs {
		close(ch)
	}
	f.subs = make(map[chan Record]string)
	f.mu.Unlock()
}
