package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It holds every record for the life of the
// process, which is what call history needs in tests and the local relay mode.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]Record
	feed *Feed
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows: make(map[string]Record),
		feed: NewFeed(),
		now:  time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, callerID, calleeID, chatID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if callerID == "" || calleeID == "" {
		return Record{}, fmt.Errorf("%w: caller and callee are required", ErrInvalidRecord)
	}
	if callerID == calleeID {
		return Record{}, fmt.Errorf("%w: caller and callee must differ", ErrInvalidRecord)
	}
	rec := Record{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    StatusInitiated,
		CreatedAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.rows[rec.ID] = rec
	m.mu.Unlock()

	m.feed.Publish(rec)
	return rec, nil
}

func (m *Memory) Import(ctx context.Context, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := rec.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	if _, ok := m.rows[rec.ID]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.rows[rec.ID] = rec
	m.mu.Unlock()

	m.feed.Publish(rec)
	return true, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, to Status, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if err := rec.Apply(to, at.UTC()); err != nil {
		return fmt.Errorf("%s -> %s: %w", rec.Status, to, err)
	}
	m.rows[id] = rec
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) History(ctx context.Context, chatID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range m.rows {
		if rec.ChatID == chatID {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SubscribeInserts(calleeID string) (<-chan Record, func()) {
	return m.feed.Subscribe(calleeID)
}
