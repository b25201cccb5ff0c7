package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// State is the session lifecycle.
//
//	IDLE ─► INITIALIZING ─┬─► RINGING (caller) ─┬─► CONNECTED ─► ENDED
//	                      └─► DIALING (callee) ─┘
//	any ─► ENDED
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRinging      State = "ringing"
	StateDialing      State = "dialing"
	StateConnected    State = "connected"
	StateEnded        State = "ended"
)

// Outcome says why a session ended.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeEnded          Outcome = "ended"
	OutcomeEndedByRemote  Outcome = "ended-by-remote"
	OutcomeDeviceFailure  Outcome = "device-failure"
	OutcomeConnectFailure Outcome = "connect-failure"
	OutcomeDeclined       Outcome = "declined"
	OutcomeCancelled      Outcome = "cancelled"
)

// recordStatus is the terminal status written for an outcome.
func (o Outcome) recordStatus() records.Status {
	switch o {
	case OutcomeDeclined:
		return records.StatusDeclined
	case OutcomeCancelled:
		return records.StatusMissed
	default:
		return records.StatusEnded
	}
}

// StatusText is the line shown on the call screen.
func StatusText(st State, o Outcome) string {
	switch st {
	case StateInitializing:
		return "Starting camera and microphone..."
	case StateRinging:
		return "Calling..."
	case StateConnected:
		return "Connected"
	case StateEnded:
		switch o {
		case OutcomeDeviceFailure:
			return "Failed to start. Check permissions."
		case OutcomeConnectFailure:
			return "Connection failed"
		case OutcomeDeclined:
			return "Call declined"
		case OutcomeCancelled:
			return "Call cancelled"
		}
		return "Call ended"
	}
	return "Connecting..."
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	CallID       string           `json:"call_id"`
	ChatID       string           `json:"chat_id,omitempty"`
	Self         string           `json:"self"`
	Remote       string           `json:"remote"`
	Role         Role             `json:"role"`
	State        State            `json:"state"`
	Status       string           `json:"status"`
	Outcome      Outcome          `json:"outcome,omitempty"`
	Negotiation  NegotiationState `json:"negotiation"`
	Connection   rtc.State        `json:"connection"`
	AudioEnabled bool             `json:"audio_enabled"`
	VideoEnabled bool             `json:"video_enabled"`
	RemoteTracks int              `json:"remote_tracks"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	ConnectedAt  *time.Time       `json:"connected_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
}

// Event is pushed to session subscribers.
type Event struct {
	Type    string   `json:"type"` // "state" | "remote-track" | "ended"
	Session Snapshot `json:"session"`
}

type sessionDeps struct {
	self        string
	store       records.Store
	relay       *relay.Client
	media       media.Gateway
	newPeer     PeerFactory
	constraints media.Constraints
}

const teardownSendTimeout = 2 * time.Second

// Session is one call from this client's side. It exclusively owns its local
// stream, peer connection and relay channel, and releases all three exactly
// once however the call ends.
//
// Relay events, connection callbacks and setup run one at a time on the
// session's event loop. Teardown may be triggered from any goroutine.
type Session struct {
	rec  records.Record
	role Role
	deps sessionDeps

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func()
	done   chan struct{}

	startOnce sync.Once
	endOnce   sync.Once
	started   atomic.Bool
	answered  atomic.Bool // caller side: the callee sent ready

	// loop-only
	neg *negotiator

	mu          sync.RWMutex
	state       State
	outcome     Outcome
	negState    NegotiationState
	connState   rtc.State
	err         error
	stream      *media.Stream
	pc          PeerConn
	ch          *relay.Channel
	audioOn     bool
	videoOn     bool
	remote      []rtc.RemoteTrack
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	subs     map[chan Event]struct{}
	trackFns map[int]func(rtc.RemoteTrack)
	nextFn   int
	onEnd    []func(*Session)
}

func newSession(rec records.Record, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		rec:       rec,
		role:      RoleFor(rec, deps.self),
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan func(), 256),
		done:      make(chan struct{}),
		state:     StateIdle,
		negState:  NegIdle,
		connState: rtc.StateNew,
		audioOn:   deps.constraints.Audio,
		videoOn:   deps.constraints.Video,
		startedAt: time.Now(),
		subs:      make(map[chan Event]struct{}),
		trackFns:  make(map[int]func(rtc.RemoteTrack)),
	}
}

func (s *Session) ID() string             { return s.rec.ID }
func (s *Session) Record() records.Record { return s.rec }
func (s *Session) Role() Role             { return s.role }

// Remote is the other participant's identity.
func (s *Session) Remote() string {
	if s.role == RoleOfferer {
		return s.rec.CalleeID
	}
	return s.rec.CallerID
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Outcome() Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

// Err is the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		CallID:       s.rec.ID,
		ChatID:       s.rec.ChatID,
		Self:         s.deps.self,
		Remote:       s.Remote(),
		Role:         s.role,
		State:        s.state,
		Status:       StatusText(s.state, s.outcome),
		Outcome:      s.outcome,
		Negotiation:  s.negState,
		Connection:   s.connState,
		AudioEnabled: s.audioOn,
		VideoEnabled: s.videoOn,
		RemoteTracks: len(s.remote),
		StartedAt:    s.startedAt,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		snap.ConnectedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}

// Subscribe streams state changes. The current snapshot is delivered first;
// the channel is closed after the "ended" event.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.mu.Lock()
	snap := s.snapshotLocked()
	if s.state == StateEnded {
		s.mu.Unlock()
		ch <- Event{Type: "ended", Session: snap}
		close(ch)
		return ch, func() {}
	}
	ch <- Event{Type: "state", Session: snap}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) publish(typ string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev := Event{Type: typ, Session: s.snapshotLocked()}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// OnRemoteTrack registers fn for every remote track, including ones that have
// already arrived. The returned func unregisters it.
func (s *Session) OnRemoteTrack(fn func(rtc.RemoteTrack)) func() {
	s.mu.Lock()
	id := s.nextFn
	s.nextFn++
	s.trackFns[id] = fn
	existing := append([]rtc.RemoteTrack(nil), s.remote...)
	s.mu.Unlock()

	for _, t := range existing {
		fn(t)
	}
	return func() {
		s.mu.Lock()
		delete(s.trackFns, id)
		s.mu.Unlock()
	}
}

// onEnded registers a hook run after teardown.
func (s *Session) onEnded(fn func(*Session)) {
	s.mu.Lock()
	s.onEnd = append(s.onEnd, fn)
	s.mu.Unlock()
}

// RequestKeyframe asks the remote sender of ssrc for a keyframe.
func (s *Session) RequestKeyframe(ssrc uint32) error {
	s.mu.RLock()
	pc, ended := s.pc, s.state == StateEnded
	s.mu.RUnlock()
	if pc == nil || ended {
		return ErrCallOver
	}
	return pc.RequestKeyframe(ssrc)
}

// SelfView returns the local camera preview source, if there is one.
func (s *Session) SelfView() (media.SelfView, bool) {
	s.mu.RLock()
	stream := s.stream
	s.mu.RUnlock()
	if stream == nil {
		return nil, false
	}
	return stream.SelfView()
}

// ToggleAudio flips local audio on/off. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on, stream := s.audioOn, s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(media.KindAudio, on)
	}
	log.Infow("audio toggled", "call", util.ShortID(s.rec.ID), "muted", !on)
	s.publish("state")
	return !on
}

// ToggleVideo flips local video on/off. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on, stream := s.videoOn, s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(media.KindVideo, on)
	}
	log.Infow("video toggled", "call", util.ShortID(s.rec.ID), "disabled", !on)
	s.publish("state")
	return !on
}

// Hangup ends the call and tells the remote side. Idempotent.
func (s *Session) Hangup() {
	s.end(OutcomeEnded, true, nil)
}

// Cancel gives up on an outgoing call the callee has not picked up. The
// record ends as missed.
func (s *Session) Cancel() error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	switch {
	case st == StateEnded:
		return ErrCallOver
	case s.role != RoleOfferer || st == StateConnected:
		return ErrNotCancellable
	}
	s.end(OutcomeCancelled, true, nil)
	return nil
}

// Start runs setup on the event loop. Calling it more than once is a no-op.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		metrics.ActiveSessions.Inc()
		go s.loop()
		s.post(s.setup)
	})
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.queue:
			if s.ended() {
				continue
			}
			fn()
		case <-s.done:
			if s.neg != nil {
				s.neg.terminate()
			}
			return
		}
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateEnded
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	log.Infow("session state", "call", util.ShortID(s.rec.ID), "from", prev, "to", st)
	s.publish("state")
}

// adopt stores a freshly acquired resource unless the session ended while it
// was being acquired. It reports whether the resource was kept.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	set()
	return true
}

// setup acquires media, creates the connection, joins the relay channel and
// makes the first negotiation move, in that order.
func (s *Session) setup() {
	s.setState(StateInitializing)

	stream, err := s.deps.media.Acquire(s.ctx, s.deps.constraints)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		if !errors.Is(err, media.ErrPermissionDenied) && !errors.Is(err, media.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		s.end(OutcomeDeviceFailure, false, err)
		return
	}
	if !s.adopt(func() { s.stream = stream }) {
		stream.Release()
		return
	}
	s.mu.RLock()
	audioOn, videoOn := s.audioOn, s.videoOn
	s.mu.RUnlock()
	stream.SetEnabled(media.KindAudio, audioOn)
	stream.SetEnabled(media.KindVideo, videoOn)

	pc, err := s.deps.newPeer()
	if err != nil {
		s.end(OutcomeConnectFailure, false, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		return
	}
	if !s.adopt(func() { s.pc = pc }) {
		_ = pc.Close()
		return
	}
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() { s.sendCandidate(c) })
	})
	pc.OnRemoteTrack(func(t rtc.RemoteTrack) {
		s.post(func() { s.onRemoteTrack(t) })
	})
	pc.OnStateChange(func(st rtc.State) {
		s.post(func() { s.onConnState(st) })
	})
	if err := pc.AddLocalTracks(stream); err != nil {
		s.end(OutcomeConnectFailure, false, fmt.Errorf("%w: add tracks: %v", ErrConnectionFailed, err))
		return
	}

	ch, err := s.deps.relay.Join(s.ctx, s.rec.ID)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.end(OutcomeConnectFailure, false, fmt.Errorf("%w: %v", ErrSignalingDelivery, err))
		return
	}
	if !s.adopt(func() { s.ch = ch }) {
		ch.Leave()
		return
	}

	s.neg = newNegotiator(s.rec.ID, s.role, pc, s.sendEvent)
	for _, name := range []string{
		proto.EventOffer, proto.EventAnswer, proto.EventCandidate,
		proto.EventHangup, proto.EventReady, proto.EventDecline,
	} {
		ch.On(name, func(ev relay.Event) {
			s.post(func() { s.onSignal(ev) })
		})
	}
	ch.Listen()

	if s.role == RoleOfferer {
		s.setState(StateRinging)
	} else {
		s.setState(StateDialing)
	}
	if err := s.neg.start(s.ctx); err != nil {
		s.end(OutcomeConnectFailure, true, err)
		return
	}
	s.syncNeg()
}

func (s *Session) sendEvent(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("%w: channel not joined", ErrSignalingDelivery)
	}
	if err := ch.Send(ctx, event, payload); err != nil {
		metrics.SignalSendFailuresTotal.WithLabelValues(event).Inc()
		return err
	}
	metrics.SignalsSentTotal.WithLabelValues(event).Inc()
	return nil
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if s.neg == nil {
		return
	}
	if err := s.neg.localCandidate(s.ctx, c); err != nil {
		// An offerer replays it after the offer it re-sends on ready.
		log.Warnw("ice candidate not delivered", "call", util.ShortID(s.rec.ID), "err", err)
	}
}

func (s *Session) onSignal(ev relay.Event) {
	metrics.SignalsReceivedTotal.WithLabelValues(ev.Name).Inc()
	if ev.From != s.Remote() {
		log.Warnw("signal from non-participant dropped", "call", util.ShortID(s.rec.ID), "from", util.ShortID(ev.From), "event", ev.Name)
		return
	}
	if s.neg == nil {
		return
	}

	var err error
	switch ev.Name {
	case proto.EventOffer:
		var m offerMsg
		if err = ev.Decode(&m); err == nil {
			err = s.neg.onOffer(s.ctx, m.Offer)
		}
	case proto.EventAnswer:
		var m answerMsg
		if err = ev.Decode(&m); err == nil {
			if err = s.neg.onAnswer(m.Answer); err == nil {
				s.markAnswered()
			}
		}
	case proto.EventCandidate:
		var m candidateMsg
		if err = ev.Decode(&m); err == nil {
			s.neg.onCandidate(m.Candidate)
		}
	case proto.EventReady:
		if s.role == RoleOfferer {
			s.markAnswered()
		}
		var resent bool
		if resent, err = s.neg.onReady(s.ctx); resent {
			log.Debugw("offer re-sent on ready", "call", util.ShortID(s.rec.ID))
		}
	case proto.EventHangup:
		log.Infow("remote hung up", "call", util.ShortID(s.rec.ID))
		s.end(OutcomeEndedByRemote, false, nil)
		return
	case proto.EventDecline:
		if s.role != RoleOfferer {
			return
		}
		log.Infow("call declined", "call", util.ShortID(s.rec.ID))
		s.end(OutcomeDeclined, false, nil)
		return
	}
	s.syncNeg()

	switch {
	case err == nil:
	case errors.Is(err, ErrNegotiationState):
		log.Warnw("discarding out-of-state message", "call", util.ShortID(s.rec.ID), "event", ev.Name, "err", err)
	case errors.Is(err, ErrSignalingDelivery), errors.Is(err, ErrConnectionFailed):
		s.end(OutcomeConnectFailure, true, err)
	default:
		log.Warnw("bad signal payload", "call", util.ShortID(s.rec.ID), "event", ev.Name, "err", err)
	}
}

// markAnswered records on the caller's copy that the callee picked up, on
// its ready or at the latest on its answer.
func (s *Session) markAnswered() {
	if !s.answered.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	err := s.deps.store.UpdateStatus(ctx, s.rec.ID, records.StatusAnswered, time.Now())
	if err != nil && !errors.Is(err, records.ErrInvalidTransition) {
		log.Warnw("record answered write failed", "call", util.ShortID(s.rec.ID), "err", err)
	}
}

func (s *Session) syncNeg() {
	if s.neg == nil {
		return
	}
	s.mu.Lock()
	if s.state != StateEnded {
		s.negState = s.neg.state
	}
	s.mu.Unlock()
}

func (s *Session) onRemoteTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	s.remote = append(s.remote, t)
	fns := make([]func(rtc.RemoteTrack), 0, len(s.trackFns))
	for _, fn := range s.trackFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
	s.connected()
	s.publish("remote-track")
}

func (s *Session) onConnState(st rtc.State) {
	s.mu.Lock()
	s.connState = st
	s.mu.Unlock()

	switch {
	case st == rtc.StateConnected:
		s.connected()
	case st == rtc.StateFailed:
		s.end(OutcomeConnectFailure, true, ErrConnectionFailed)
	case st.Terminal():
		s.end(OutcomeEndedByRemote, true, nil)
	default:
		s.publish("state")
	}
}

func (s *Session) connected() {
	s.mu.Lock()
	if s.state != StateRinging && s.state != StateDialing {
		s.mu.Unlock()
		return
	}
	s.connectedAt = time.Now()
	s.mu.Unlock()

	if s.neg != nil {
		s.neg.established()
		s.syncNeg()
	}
	s.setState(StateConnected)
}

// end is the one teardown path. The first call releases media, closes the
// peer connection, tells the peer when notify is set, leaves the channel and
// writes the terminal record status. Later calls do nothing.
func (s *Session) end(o Outcome, notify bool, cause error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateEnded
		s.outcome = o
		s.err = cause
		s.negState = NegTerminated
		s.endedAt = time.Now()
		stream, pc, ch := s.stream, s.pc, s.ch
		s.mu.Unlock()

		s.cancel()
		if cause != nil {
			log.Warnw("session ending", "call", util.ShortID(s.rec.ID), "from", prev, "outcome", o, "err", cause)
		} else {
			log.Infow("session ending", "call", util.ShortID(s.rec.ID), "from", prev, "outcome", o)
		}

		if stream != nil {
			stream.Release()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				log.Debugw("peer connection close", "call", util.ShortID(s.rec.ID), "err", err)
			}
		}
		if ch != nil {
			if notify {
				ctx, cancel := context.WithTimeout(context.Background(), teardownSendTimeout)
				if err := ch.Send(ctx, proto.EventHangup, nil); err != nil {
					log.Debugw("hang-up not delivered", "call", util.ShortID(s.rec.ID), "err", err)
				} else {
					metrics.SignalsSentTotal.WithLabelValues(proto.EventHangup).Inc()
				}
				cancel()
			}
			ch.Leave()
		}
		s.writeStatus(o.recordStatus())

		metrics.SessionOutcomesTotal.WithLabelValues(string(o)).Inc()
		if s.started.Load() {
			metrics.ActiveSessions.Dec()
		}
		s.mu.Lock()
		ev := Event{Type: "ended", Session: s.snapshotLocked()}
		for ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
			close(ch)
		}
		s.subs = make(map[chan Event]struct{})
		hooks := append([]func(*Session){}, s.onEnd...)
		s.mu.Unlock()

		for _, fn := range hooks {
			fn(s)
		}
		close(s.done)
	})
}

func (s *Session) writeStatus(status records.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	err := s.deps.store.UpdateStatus(ctx, s.rec.ID, status, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, records.ErrInvalidTransition):
		// The other party already wrote a final status.
		log.Debugw("record already final", "call", util.ShortID(s.rec.ID), "want", status, "err", err)
	default:
		log.Warnw("record status write failed", "call", util.ShortID(s.rec.ID), "status", status, "err", err)
	}
}
