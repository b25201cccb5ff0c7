// Package call runs 1:1 audio/video call sessions: media acquisition, the
// offer/answer/ICE exchange over a relay channel, and teardown. Records,
// relay, media and peer connections come in through narrow interfaces so the
// package runs unchanged against the in-memory test doubles.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/util"
)

// IncomingCall is a ringing call addressed to this peer.
type IncomingCall struct {
	CallID   string    `json:"call_id"`
	ChatID   string    `json:"chat_id,omitempty"`
	CallerID string    `json:"caller_id"`
	At       time.Time `json:"at"`
}

// Notice is pushed to incoming-call subscribers. Type is "incoming" when a
// call starts ringing and "withdrawn" once it was accepted, declined or
// cancelled.
type Notice struct {
	Type string       `json:"type"`
	Call IncomingCall `json:"call"`
}

// Options wires a Manager to its collaborators.
type Options struct {
	Self        string
	Store       records.Store
	Relay       *relay.Client
	Media       media.Gateway
	NewPeer     PeerFactory
	Constraints media.Constraints
}

// Manager owns the active sessions of one peer and turns record inserts into
// incoming-call notifications.
type Manager struct {
	opts Options

	inbox        *relay.Channel
	stopInserts  func()
	watchStopped chan struct{}

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]IncomingCall
	subs     map[chan Notice]struct{}
	hooks    []func(*Session)
	closed   bool
}

// New joins this peer's inbox channel and starts watching for incoming calls.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Self == "" || opts.Store == nil || opts.Relay == nil || opts.Media == nil || opts.NewPeer == nil {
		return nil, errors.New("call: incomplete options")
	}
	m := &Manager{
		opts:         opts,
		sessions:     make(map[string]*Session),
		pending:      make(map[string]IncomingCall),
		subs:         make(map[chan Notice]struct{}),
		watchStopped: make(chan struct{}),
	}

	inbox, err := opts.Relay.Join(ctx, proto.InboxChannel(opts.Self))
	if err != nil {
		return nil, fmt.Errorf("join inbox: %w", err)
	}
	m.inbox = inbox
	inbox.On(proto.EventCall, m.onInboxCall)
	inbox.On(proto.EventCancel, m.onInboxCancel)

	inserts, stop := opts.Store.SubscribeInserts(opts.Self)
	m.stopInserts = stop
	go m.watchInserts(inserts)

	inbox.Listen()
	log.Infow("call manager ready", "self", util.ShortID(opts.Self))
	return m, nil
}

// Self is the local identity.
func (m *Manager) Self() string { return m.opts.Self }

// Store is the record store the manager writes to.
func (m *Manager) Store() records.Store { return m.opts.Store }

// OnSession registers fn to run for every session the manager opens, before
// the session starts.
func (m *Manager) OnSession(fn func(*Session)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Place creates a call record for calleeID and starts the caller's session.
func (m *Manager) Place(ctx context.Context, calleeID, chatID string) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	rec, err := m.opts.Store.Create(ctx, m.opts.Self, calleeID, chatID)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	metrics.CallsPlacedTotal.Inc()
	log.Infow("placing call", "call", util.ShortID(rec.ID), "callee", util.ShortID(calleeID))

	if err := m.opts.Relay.Post(ctx, proto.InboxChannel(calleeID), proto.EventCall, rec); err != nil {
		m.writeStatus(rec.ID, records.StatusEnded)
		return nil, fmt.Errorf("%w: notify callee: %v", ErrSignalingDelivery, err)
	}
	return m.open(rec)
}

// Open returns the session for callID, starting it if this peer has none.
// This is what the call screen does when it is navigated to.
func (m *Manager) Open(ctx context.Context, callID string) (*Session, error) {
	if s, ok := m.GetSession(callID); ok {
		return s, nil
	}
	rec, err := m.record(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrCallOver, rec.Status)
	}
	return m.open(rec)
}

// Accept answers a ringing call and starts the callee's session.
func (m *Manager) Accept(ctx context.Context, callID string) (*Session, error) {
	rec, err := m.record(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.CalleeID != m.opts.Self {
		return nil, ErrNotParticipant
	}
	if err := m.opts.Store.UpdateStatus(ctx, callID, records.StatusAnswered, time.Now()); err != nil {
		if errors.Is(err, records.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrCallOver, err)
		}
		return nil, err
	}
	m.withdraw(callID)
	log.Infow("call accepted", "call", util.ShortID(callID))
	rec.Status = records.StatusAnswered
	return m.open(rec)
}

// Decline rejects a ringing call without opening a session.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	rec, err := m.record(ctx, callID)
	if err != nil {
		return err
	}
	if rec.CalleeID != m.opts.Self {
		return ErrNotParticipant
	}
	if err := m.opts.Store.UpdateStatus(ctx, callID, records.StatusDeclined, time.Now()); err != nil {
		if errors.Is(err, records.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrCallOver, err)
		}
		return err
	}
	m.withdraw(callID)
	log.Infow("call declined", "call", util.ShortID(callID))

	if err := m.opts.Relay.Post(ctx, callID, proto.EventDecline, nil); err != nil {
		metrics.SignalSendFailuresTotal.WithLabelValues(proto.EventDecline).Inc()
		return fmt.Errorf("%w: decline: %v", ErrSignalingDelivery, err)
	}
	metrics.SignalsSentTotal.WithLabelValues(proto.EventDecline).Inc()
	return nil
}

// Cancel withdraws an outgoing call that has not connected. The record ends
// as missed on both sides.
func (m *Manager) Cancel(ctx context.Context, callID string) error {
	rec, err := m.record(ctx, callID)
	if err != nil {
		return err
	}
	if rec.CallerID != m.opts.Self {
		return ErrNotCancellable
	}
	if s, ok := m.GetSession(callID); ok {
		// The session's end hook tells the callee.
		return s.Cancel()
	}
	if rec.Status != records.StatusInitiated {
		return ErrNotCancellable
	}
	m.writeStatus(callID, records.StatusMissed)
	m.postCancel(ctx, rec)
	return nil
}

// postCancel tells the callee's inbox that rec will not be negotiated. The
// callee may not have joined the call channel yet, so a hang-up there can go
// unheard.
func (m *Manager) postCancel(ctx context.Context, rec records.Record) {
	msg := proto.CancelMsg{CallID: rec.ID, TS: proto.NowMillis()}
	if err := m.opts.Relay.Post(ctx, proto.InboxChannel(rec.CalleeID), proto.EventCancel, msg); err != nil {
		metrics.SignalSendFailuresTotal.WithLabelValues(proto.EventCancel).Inc()
		log.Warnw("cancel not delivered", "call", util.ShortID(rec.ID), "err", err)
		return
	}
	metrics.SignalsSentTotal.WithLabelValues(proto.EventCancel).Inc()
}

// sessionEnded forgets s and, for a caller whose callee never picked up,
// withdraws the call from the callee's inbox.
func (m *Manager) sessionEnded(s *Session) {
	m.remove(s)
	if s.Role() != RoleOfferer || s.answered.Load() || s.Outcome() == OutcomeDeclined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	m.postCancel(ctx, s.Record())
}

// Hangup ends the local session for callID.
func (m *Manager) Hangup(callID string) error {
	s, ok := m.GetSession(callID)
	if !ok {
		return ErrCallOver
	}
	s.Hangup()
	return nil
}

// GetSession returns the active session for callID, if any.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// AllSessions returns snapshots of the active sessions, oldest first.
func (m *Manager) AllSessions() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Pending returns the calls currently ringing for this peer.
func (m *Manager) Pending() []IncomingCall {
	m.mu.RLock()
	out := make([]IncomingCall, 0, len(m.pending))
	for _, ic := range m.pending {
		out = append(out, ic)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// SubscribeIncoming streams incoming-call notices. Calls already ringing are
// delivered first.
func (m *Manager) SubscribeIncoming() (<-chan Notice, func()) {
	ch := make(chan Notice, 32)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, ic := range m.pending {
		select {
		case ch <- Notice{Type: "incoming", Call: ic}:
		default:
		}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// Close leaves the inbox, hangs up every session and waits for teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan Notice]struct{})
	m.mu.Unlock()

	m.inbox.Leave()
	m.stopInserts()
	<-m.watchStopped

	for _, s := range sessions {
		s.Hangup()
		<-s.Done()
	}
	log.Infow("call manager closed", "sessions", len(sessions))
}

func (m *Manager) record(ctx context.Context, callID string) (records.Record, error) {
	rec, err := m.opts.Store.Get(ctx, callID)
	if errors.Is(err, records.ErrNotFound) {
		return records.Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, callID)
	}
	if err != nil {
		return records.Record{}, err
	}
	if rec.CallerID != m.opts.Self && rec.CalleeID != m.opts.Self {
		return records.Record{}, ErrNotParticipant
	}
	return rec, nil
}

func (m *Manager) open(rec records.Record) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[rec.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(rec, sessionDeps{
		self:        m.opts.Self,
		store:       m.opts.Store,
		relay:       m.opts.Relay,
		media:       m.opts.Media,
		newPeer:     m.opts.NewPeer,
		constraints: m.opts.Constraints,
	})
	m.sessions[rec.ID] = s
	hooks := append([]func(*Session){}, m.hooks...)
	m.mu.Unlock()

	s.onEnded(m.sessionEnded)
	for _, fn := range hooks {
		fn(s)
	}
	s.Start()
	log.Infow("session opened", "call", util.ShortID(rec.ID), "role", s.Role())
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
}

// onInboxCall mirrors a caller's new record into the local store. The insert
// feed then raises the notification.
func (m *Manager) onInboxCall(ev relay.Event) {
	var rec records.Record
	if err := ev.Decode(&rec); err != nil {
		log.Warnw("bad call record on inbox", "from", util.ShortID(ev.From), "err", err)
		return
	}
	if rec.CalleeID != m.opts.Self || rec.CallerID != ev.From {
		log.Warnw("call record not addressed to us", "call", util.ShortID(rec.ID), "from", util.ShortID(ev.From))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	if _, err := m.opts.Store.Import(ctx, rec); err != nil {
		log.Warnw("import call record", "call", util.ShortID(rec.ID), "err", err)
	}
}

func (m *Manager) onInboxCancel(ev relay.Event) {
	var msg proto.CancelMsg
	if err := ev.Decode(&msg); err != nil {
		log.Warnw("bad cancel on inbox", "from", util.ShortID(ev.From), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	rec, err := m.opts.Store.Get(ctx, msg.CallID)
	if err != nil {
		log.Debugw("cancel for unknown call", "call", util.ShortID(msg.CallID), "err", err)
		return
	}
	if rec.CallerID != ev.From {
		return
	}
	m.writeStatus(msg.CallID, records.StatusMissed)
	m.withdraw(msg.CallID)
	log.Infow("call cancelled by caller", "call", util.ShortID(msg.CallID))

	// Accepted, but the caller left before the call channel carried anything.
	if s, ok := m.GetSession(msg.CallID); ok {
		s.end(OutcomeEndedByRemote, false, nil)
	}
}

func (m *Manager) watchInserts(inserts <-chan records.Record) {
	defer close(m.watchStopped)
	for rec := range inserts {
		if rec.CallerID == m.opts.Self || rec.Status != records.StatusInitiated {
			continue
		}
		ic := IncomingCall{CallID: rec.ID, ChatID: rec.ChatID, CallerID: rec.CallerID, At: rec.CreatedAt}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			continue
		}
		// A cancel may have landed between the insert and now. Its status
		// write precedes its withdraw, which needs m.mu.
		if m.currentlyFinal(rec.ID) {
			m.mu.Unlock()
			continue
		}
		m.pending[rec.ID] = ic
		m.notifyLocked(Notice{Type: "incoming", Call: ic})
		m.mu.Unlock()
		metrics.IncomingCallsTotal.Inc()
		log.Infow("incoming call", "call", util.ShortID(rec.ID), "caller", util.ShortID(rec.CallerID))
	}
}

func (m *Manager) currentlyFinal(callID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	rec, err := m.opts.Store.Get(ctx, callID)
	return err == nil && rec.Status.Terminal()
}

func (m *Manager) withdraw(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.pending[callID]
	if !ok {
		return
	}
	delete(m.pending, callID)
	m.notifyLocked(Notice{Type: "withdrawn", Call: ic})
}

func (m *Manager) notifyLocked(n Notice) {
	for ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (m *Manager) writeStatus(callID string, status records.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	err := m.opts.Store.UpdateStatus(ctx, callID, status, time.Now())
	if err != nil && !errors.Is(err, records.ErrInvalidTransition) {
		log.Warnw("record status write failed", "call", util.ShortID(callID), "status", status, "err", err)
	}
}
