package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	legal := [][2]Status{
		{StatusInitiated, StatusAnswered},
		{StatusInitiated, StatusDeclined},
		{StatusInitiated, StatusMissed},
		{StatusInitiated, StatusEnded},
		{StatusAnswered, StatusEnded},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	all := []Status{StatusInitiated, StatusAnswered, StatusDeclined, StatusMissed, StatusEnded}
	for _, to := range all {
		assert.False(t, CanTransition(StatusEnded, to), "ended -> %s", to)
		assert.False(t, CanTransition(StatusDeclined, to), "declined -> %s", to)
		assert.False(t, CanTransition(StatusMissed, to), "missed -> %s", to)
	}
	assert.False(t, CanTransition(StatusAnswered, StatusInitiated))
	assert.False(t, CanTransition(StatusAnswered, StatusDeclined))

	assert.True(t, StatusEnded.Terminal())
	assert.True(t, StatusDeclined.Terminal())
	assert.False(t, StatusAnswered.Terminal())
	assert.False(t, Status("bogus").Terminal())
}

func TestApplyStampsTimesOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Record{Status: StatusInitiated}

	require.NoError(t, rec.Apply(StatusAnswered, t0))
	require.NotNil(t, rec.StartTime)
	assert.Equal(t, t0, *rec.StartTime)
	assert.Nil(t, rec.EndTime)

	require.NoError(t, rec.Apply(StatusEnded, t0.Add(time.Minute)))
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, t0.Add(time.Minute), *rec.EndTime)
	assert.Equal(t, t0, *rec.StartTime)

	err := rec.Apply(StatusInitiated, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Equal(t, t0.Add(time.Minute), *rec.EndTime)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inserts, cancel := m.SubscribeInserts("bob")
	defer cancel()
	others, cancelOthers := m.SubscribeInserts("carol")
	defer cancelOthers()

	rec, err := m.Create(ctx, "alice", "bob", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, rec.Status)
	assert.NotEmpty(t, rec.ID)

	select {
	case got := <-inserts:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("insert not delivered")
	}
	select {
	case got := <-others:
		t.Fatalf("unexpected insert for carol: %+v", got)
	default:
	}

	now := time.Now()
	require.NoError(t, m.UpdateStatus(ctx, rec.ID, StatusAnswered, now))
	require.NoError(t, m.UpdateStatus(ctx, rec.ID, StatusEnded, now.Add(time.Second)))

	err = m.UpdateStatus(ctx, rec.ID, StatusInitiated, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.NotNil(t, got.StartTime)
	assert.NotNil(t, got.EndTime)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.UpdateStatus(ctx, "missing", StatusEnded, now), ErrNotFound)
}

func TestMemoryCreateValidates(t *testing.T) {
	m := NewMemory()
	_, err := m.Create(context.Background(), "alice", "alice", "c")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = m.Create(context.Background(), "", "bob", "c")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, _ := m.Create(ctx, "a", "b", "chat")
	second, _ := m.Create(ctx, "b", "a", "chat")
	_, _ = m.Create(ctx, "a", "c", "other")

	hist, err := m.History(ctx, "chat", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)

	hist, err = m.History(ctx, "chat", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestMemoryImportOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ch, cancel := m.SubscribeInserts("bob")
	defer cancel()

	rec := Record{ID: "r1", CallerID: "alice", CalleeID: "bob", Status: StatusInitiated, CreatedAt: time.Now()}
	ok, err := m.Import(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Import(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, ch, 1)

	_, err = m.Import(ctx, Record{ID: "r2", CallerID: "a", CalleeID: "b", Status: "ringing"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
