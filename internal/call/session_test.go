package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/rtc"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type testPeer struct {
	id    string
	store *records.Memory
	media *fakeMedia
	peers *peerLog
	mgr   *Manager
}

func newTestPeer(t *testing.T, hub *relay.Hub, id string, fm *fakeMedia, pl *peerLog) *testPeer {
	t.Helper()
	if fm == nil {
		fm = &fakeMedia{}
	}
	if pl == nil {
		pl = &peerLog{autoConnect: true}
	}
	store := records.NewMemory()
	mgr, err := New(context.Background(), Options{
		Self:        id,
		Store:       store,
		Relay:       relay.NewClient(hub, id),
		Media:       fm,
		NewPeer:     pl.factory(),
		Constraints: media.Constraints{Video: true, Audio: true},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return &testPeer{id: id, store: store, media: fm, peers: pl, mgr: mgr}
}

func (p *testPeer) status(t *testing.T, callID string) records.Status {
	t.Helper()
	rec, err := p.store.Get(context.Background(), callID)
	if err != nil {
		return ""
	}
	return rec.Status
}

func waitIncoming(t *testing.T, ch <-chan Notice, typ string) Notice {
	t.Helper()
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "notice channel closed")
			if n.Type == typ {
				return n
			}
		case <-time.After(waitFor):
			t.Fatalf("no %q notice", typ)
		}
	}
}

func waitEnded(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not end, state %s", s.ID(), s.State())
	}
}

func TestFullCall(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	gather := []webrtc.ICECandidateInit{{Candidate: "host-1"}, {Candidate: "host-2"}}
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{autoConnect: true, gather: gather})
	bob := newTestPeer(t, hub, "bob", nil, &peerLog{autoConnect: true, gather: gather})

	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, RoleOfferer, as.Role())

	n := waitIncoming(t, incoming, "incoming")
	assert.Equal(t, as.ID(), n.Call.CallID)
	assert.Equal(t, "alice", n.Call.CallerID)
	assert.Equal(t, records.StatusInitiated, bob.status(t, as.ID()))
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)
	assert.Equal(t, "Calling...", as.Snapshot().Status)

	bs, err := bob.mgr.Accept(ctx, as.ID())
	require.NoError(t, err)
	assert.Equal(t, RoleAnswerer, bs.Role())
	waitIncoming(t, incoming, "withdrawn")
	assert.Empty(t, bob.mgr.Pending())

	require.Eventually(t, func() bool {
		return as.State() == StateConnected && bs.State() == StateConnected
	}, waitFor, tick)
	assert.Equal(t, NegEstablished, as.Snapshot().Negotiation)
	assert.Equal(t, NegEstablished, bs.Snapshot().Negotiation)
	assert.Equal(t, "Connected", bs.Snapshot().Status)

	// The caller saw the callee pick up.
	require.Eventually(t, func() bool {
		return alice.status(t, as.ID()) == records.StatusAnswered
	}, waitFor, tick)
	assert.Equal(t, records.StatusAnswered, bob.status(t, as.ID()))

	// Each side applies every candidate the other gathered. Alice's went out
	// before bob joined and reach him with the re-sent offer.
	require.Eventually(t, func() bool {
		return len(alice.peers.last().appliedCandidates()) == len(gather) &&
			len(bob.peers.last().appliedCandidates()) == len(gather)
	}, waitFor, tick)
	assert.Equal(t, gather, bob.peers.last().appliedCandidates())
	assert.Equal(t, gather, alice.peers.last().appliedCandidates())

	as.Hangup()
	waitEnded(t, as)
	waitEnded(t, bs)
	assert.Equal(t, OutcomeEnded, as.Outcome())
	assert.Equal(t, OutcomeEndedByRemote, bs.Outcome())
	assert.Equal(t, "Call ended", bs.Snapshot().Status)

	for _, p := range []*testPeer{alice, bob} {
		assert.Equal(t, records.StatusEnded, p.status(t, as.ID()), p.id)
		assert.Equal(t, 1, p.peers.last().closeCount(), p.id)
		assert.Equal(t, []int32{1, 1}, p.media.stopCounts(), p.id)

		rec, err := p.store.Get(ctx, as.ID())
		require.NoError(t, err)
		assert.NotNil(t, rec.StartTime)
		assert.NotNil(t, rec.EndTime)

		// Nothing moves a finished record.
		err = p.store.UpdateStatus(ctx, as.ID(), records.StatusAnswered, time.Now())
		assert.ErrorIs(t, err, records.ErrInvalidTransition)
	}
	require.Eventually(t, func() bool {
		return hub.Subscribers(proto.RelayTopicPrefix+as.ID()) == 0
	}, waitFor, tick)
	_, ok := alice.mgr.GetSession(as.ID())
	assert.False(t, ok)
}

func TestDeclinedCall(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, nil)
	bob := newTestPeer(t, hub, "bob", nil, nil)
	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "chat-1")
	require.NoError(t, err)
	waitIncoming(t, incoming, "incoming")
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	require.NoError(t, bob.mgr.Decline(ctx, as.ID()))
	waitIncoming(t, incoming, "withdrawn")

	waitEnded(t, as)
	assert.Equal(t, OutcomeDeclined, as.Outcome())
	assert.Equal(t, "Call declined", as.Snapshot().Status)
	assert.Equal(t, records.StatusDeclined, alice.status(t, as.ID()))
	assert.Equal(t, records.StatusDeclined, bob.status(t, as.ID()))
	assert.Equal(t, 0, bob.peers.count(), "declining opens no connection")
	assert.Equal(t, 0, bob.media.acquireCalls())

	assert.ErrorIs(t, bob.mgr.Decline(ctx, as.ID()), ErrCallOver)
	_, err = bob.mgr.Accept(ctx, as.ID())
	assert.ErrorIs(t, err, ErrCallOver)
}

func TestCameraDenied(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	fm := &fakeMedia{err: media.ErrPermissionDenied, gate: make(chan struct{})}
	alice := newTestPeer(t, hub, "alice", fm, nil)
	bob := newTestPeer(t, hub, "bob", nil, nil)
	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	waitIncoming(t, incoming, "incoming")
	close(fm.gate)
	waitEnded(t, as)

	assert.Equal(t, OutcomeDeviceFailure, as.Outcome())
	assert.ErrorIs(t, as.Err(), ErrPermissionDenied)
	assert.Equal(t, "Failed to start. Check permissions.", as.Snapshot().Status)
	assert.Equal(t, 0, alice.peers.count(), "no connection without media")
	assert.False(t, alice.mgr.opts.Relay.Joined(as.ID()))
	assert.Equal(t, records.StatusEnded, alice.status(t, as.ID()))

	// Bob stops ringing a call that can never be negotiated.
	waitIncoming(t, incoming, "withdrawn")
	require.Eventually(t, func() bool {
		return bob.status(t, as.ID()) == records.StatusMissed
	}, waitFor, tick)
	assert.Empty(t, bob.mgr.Pending())
	assert.Equal(t, 0, bob.peers.count())
}

func TestCallerLeavingWhileRingingStopsCallee(t *testing.T) {
	cases := []struct {
		name    string
		leave   func(s *Session, pc *fakePeer)
		outcome Outcome
	}{
		{"hangup", func(s *Session, _ *fakePeer) { s.Hangup() }, OutcomeEnded},
		{"disconnected", func(_ *Session, pc *fakePeer) { pc.emitState(rtc.StateDisconnected) }, OutcomeEndedByRemote},
		{"failed", func(_ *Session, pc *fakePeer) { pc.emitState(rtc.StateFailed) }, OutcomeConnectFailure},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			hub := relay.NewHub()
			alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
			bob := newTestPeer(t, hub, "bob", nil, nil)
			incoming, stop := bob.mgr.SubscribeIncoming()
			defer stop()

			as, err := alice.mgr.Place(ctx, "bob", "")
			require.NoError(t, err)
			waitIncoming(t, incoming, "incoming")
			require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

			c.leave(as, alice.peers.last())
			waitEnded(t, as)
			assert.Equal(t, c.outcome, as.Outcome())
			assert.Equal(t, records.StatusEnded, alice.status(t, as.ID()))

			waitIncoming(t, incoming, "withdrawn")
			require.Eventually(t, func() bool {
				return bob.status(t, as.ID()) == records.StatusMissed
			}, waitFor, tick)

			_, err = bob.mgr.Accept(ctx, as.ID())
			assert.ErrorIs(t, err, ErrCallOver)
			assert.Equal(t, 0, bob.peers.count())
		})
	}
}

func TestCallerLeavingAfterAcceptEndsCallee(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
	// Bob's camera prompt is still open, so he has not joined the call channel.
	bob := newTestPeer(t, hub, "bob", &fakeMedia{block: true}, nil)
	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	waitIncoming(t, incoming, "incoming")
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	bs, err := bob.mgr.Accept(ctx, as.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bs.State() == StateInitializing }, waitFor, tick)

	as.Hangup()
	waitEnded(t, as)
	waitEnded(t, bs)
	assert.Equal(t, OutcomeEndedByRemote, bs.Outcome())
	assert.Equal(t, records.StatusEnded, bob.status(t, as.ID()))
	assert.Equal(t, records.StatusEnded, alice.status(t, as.ID()))
	_, ok := bob.mgr.GetSession(as.ID())
	assert.False(t, ok)
}

func TestDisconnectedEndsCall(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, nil)
	bob := newTestPeer(t, hub, "bob", nil, nil)
	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	waitIncoming(t, incoming, "incoming")
	bs, err := bob.mgr.Accept(ctx, as.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return as.State() == StateConnected && bs.State() == StateConnected
	}, waitFor, tick)

	bob.peers.last().emitState(rtc.StateDisconnected)
	waitEnded(t, bs)
	waitEnded(t, as)

	assert.Equal(t, OutcomeEndedByRemote, bs.Outcome())
	assert.Equal(t, rtc.StateDisconnected, bs.Snapshot().Connection)
	assert.NoError(t, bs.Err())
	assert.Equal(t, OutcomeEndedByRemote, as.Outcome(), "bob's hang-up reached alice")
	for _, p := range []*testPeer{alice, bob} {
		assert.Equal(t, records.StatusEnded, p.status(t, as.ID()), p.id)
		assert.Equal(t, 1, p.peers.last().closeCount(), p.id)
	}
}

func TestUnknownDeviceErrorIsUnavailable(t *testing.T) {
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", &fakeMedia{err: assert.AnError}, nil)
	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)
	waitEnded(t, as)
	assert.ErrorIs(t, as.Err(), ErrDeviceUnavailable)
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	// Count hang-ups on the call channel from a bystander.
	watcher, err := relay.NewClient(hub, "bob").Join(ctx, as.ID())
	require.NoError(t, err)
	defer watcher.Leave()
	var mu sync.Mutex
	hangups := 0
	watcher.On(proto.EventHangup, func(relay.Event) {
		mu.Lock()
		hangups++
		mu.Unlock()
	})
	watcher.Listen()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			as.Hangup()
		}()
	}
	wg.Wait()
	as.Hangup()
	waitEnded(t, as)

	pc := alice.peers.last()
	require.NotNil(t, pc)
	pc.emitState(rtc.StateClosed)

	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, []int32{1, 1}, alice.media.stopCounts())
	assert.Equal(t, OutcomeEnded, as.Outcome())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hangups == 1
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, hangups)
	mu.Unlock()
}

func TestHangupDuringAcquire(t *testing.T) {
	hub := relay.NewHub()
	fm := &fakeMedia{block: true}
	alice := newTestPeer(t, hub, "alice", fm, nil)

	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.State() == StateInitializing }, waitFor, tick)

	as.Hangup()
	waitEnded(t, as)
	assert.Equal(t, OutcomeEnded, as.Outcome())
	assert.Equal(t, 0, alice.peers.count())
	assert.Equal(t, records.StatusEnded, alice.status(t, as.ID()))
}

func TestConnectionFailureEndsSession(t *testing.T) {
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	alice.peers.last().emitState(rtc.StateFailed)
	waitEnded(t, as)
	assert.Equal(t, OutcomeConnectFailure, as.Outcome())
	assert.ErrorIs(t, as.Err(), ErrConnectionFailed)
	assert.Equal(t, "Connection failed", as.Snapshot().Status)
	assert.Equal(t, records.StatusEnded, alice.status(t, as.ID()))
}

func TestCancelUnansweredCall(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, nil)
	bob := newTestPeer(t, hub, "bob", nil, nil)
	incoming, stop := bob.mgr.SubscribeIncoming()
	defer stop()

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	waitIncoming(t, incoming, "incoming")

	assert.ErrorIs(t, bob.mgr.Cancel(ctx, as.ID()), ErrNotCancellable)
	require.NoError(t, alice.mgr.Cancel(ctx, as.ID()))
	waitEnded(t, as)
	assert.Equal(t, OutcomeCancelled, as.Outcome())
	assert.Equal(t, records.StatusMissed, alice.status(t, as.ID()))

	waitIncoming(t, incoming, "withdrawn")
	require.Eventually(t, func() bool {
		return bob.status(t, as.ID()) == records.StatusMissed
	}, waitFor, tick)
	assert.Error(t, alice.mgr.Cancel(ctx, as.ID()))
}

func TestToggleBeforeMedia(t *testing.T) {
	hub := relay.NewHub()
	fm := &fakeMedia{block: true}
	alice := newTestPeer(t, hub, "alice", fm, nil)
	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)

	assert.True(t, as.ToggleAudio())
	assert.True(t, as.ToggleVideo())
	assert.False(t, as.ToggleVideo())
	snap := as.Snapshot()
	assert.False(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)
	as.Hangup()
}

func TestToggleAppliesToTracks(t *testing.T) {
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	assert.True(t, as.ToggleAudio())
	fm := alice.media
	fm.mu.Lock()
	var audio *fakeTrack
	for _, tr := range fm.tracks {
		if tr.kind == media.KindAudio {
			audio = tr
		}
	}
	fm.mu.Unlock()
	require.NotNil(t, audio)
	assert.False(t, audio.Enabled())
	assert.False(t, as.ToggleAudio())
	assert.True(t, audio.Enabled())
}

func TestSubscribeSeesEnd(t *testing.T) {
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
	as, err := alice.mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)

	events, cancel := as.Subscribe()
	defer cancel()
	as.Hangup()

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, "ended", last.Type)
	assert.Equal(t, StateEnded, last.Session.State)

	late, _ := as.Subscribe()
	ev, ok := <-late
	require.True(t, ok)
	assert.Equal(t, "ended", ev.Type)
	_, ok = <-late
	assert.False(t, ok)
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})

	_, err := alice.mgr.Open(ctx, "no-such-call")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	rec, err := alice.store.Create(ctx, "carol", "dave", "")
	require.NoError(t, err)
	_, err = alice.mgr.Open(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	again, err := alice.mgr.Open(ctx, as.ID())
	require.NoError(t, err)
	assert.Same(t, as, again)

	as.Hangup()
	waitEnded(t, as)
	_, err = alice.mgr.Open(ctx, as.ID())
	assert.ErrorIs(t, err, ErrCallOver)
}

func TestSignalFromStrangerIgnored(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub()
	alice := newTestPeer(t, hub, "alice", nil, &peerLog{})
	as, err := alice.mgr.Place(ctx, "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return as.State() == StateRinging }, waitFor, tick)

	require.NoError(t, relay.NewClient(hub, "mallory").Post(ctx, as.ID(), proto.EventHangup, nil))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRinging, as.State())
	as.Hangup()
}

func TestManagerCloseHangsUp(t *testing.T) {
	hub := relay.NewHub()
	store := records.NewMemory()
	pl := &peerLog{}
	mgr, err := New(context.Background(), Options{
		Self: "alice", Store: store, Relay: relay.NewClient(hub, "alice"),
		Media: &fakeMedia{}, NewPeer: pl.factory(),
		Constraints: media.Constraints{Audio: true},
	})
	require.NoError(t, err)

	as, err := mgr.Place(context.Background(), "bob", "")
	require.NoError(t, err)
	mgr.Close()
	mgr.Close()

	waitEnded(t, as)
	assert.Empty(t, mgr.AllSessions())
	assert.Equal(t, 0, hub.Subscribers(proto.RelayTopicPrefix+proto.InboxChannel("alice")))
	_, err = mgr.Place(context.Background(), "bob", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Connecting...", StatusText(StateIdle, OutcomeNone))
	assert.Equal(t, "Starting camera and microphone...", StatusText(StateInitializing, OutcomeNone))
	assert.Equal(t, "Connecting...", StatusText(StateDialing, OutcomeNone))
	assert.Equal(t, "Call ended", StatusText(StateEnded, OutcomeEndedByRemote))
	assert.Equal(t, records.StatusMissed, OutcomeCancelled.recordStatus())
	assert.Equal(t, records.StatusEnded, OutcomeConnectFailure.recordStatus())
}
