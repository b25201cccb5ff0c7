package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
)

// fakePeer stands in for *rtc.Conn. Callbacks fire on their own goroutine,
// as pion's do.
type fakePeer struct {
	mu          sync.Mutex
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	added       *media.Stream
	closes      int
	offers      int
	autoConnect bool
	gather      []webrtc.ICECandidateInit

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(rtc.RemoteTrack)
	onState func(rtc.State)
}

func (p *fakePeer) AddLocalTracks(s *media.Stream) error {
	p.mu.Lock()
	p.added = s
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.mu.Lock()
	p.offers++
	p.mu.Unlock()
	p.trickle()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.trickle()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) trickle() {
	p.mu.Lock()
	fn, gather := p.onCand, append([]webrtc.ICECandidateInit(nil), p.gather...)
	p.mu.Unlock()
	if fn == nil || len(gather) == 0 {
		return
	}
	go func() {
		for _, c := range gather {
			fn(c)
		}
	}()
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = append(p.remote, d)
	connect, fn := p.autoConnect, p.onState
	p.mu.Unlock()
	if connect && fn != nil {
		go fn(rtc.StateConnected)
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		panic("candidate applied before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(fn func(rtc.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(rtc.State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) RequestKeyframe(uint32) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitState(st rtc.State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) remoteDescriptions() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remote...)
}

// peerLog is a PeerFactory that remembers what it built.
type peerLog struct {
	mu          sync.Mutex
	peers       []*fakePeer
	autoConnect bool
	gather      []webrtc.ICECandidateInit
}

func (l *peerLog) factory() PeerFactory {
	return func() (PeerConn, error) {
		p := &fakePeer{autoConnect: l.autoConnect, gather: l.gather}
		l.mu.Lock()
		l.peers = append(l.peers, p)
		l.mu.Unlock()
		return p, nil
	}
}

func (l *peerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *peerLog) last() *fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.peers) == 0 {
		return nil
	}
	return l.peers[len(l.peers)-1]
}

type fakeTrack struct {
	kind    media.Kind
	enabled atomic.Bool
	stops   atomic.Int32
}

func newFakeTrack(k media.Kind) *fakeTrack {
	t := &fakeTrack{kind: k}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string { return string(t.kind) }
func (t *fakeTrack) Kind() media.Kind { return t.kind }
func (t *fakeTrack) Enabled() bool { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *fakeTrack) Stop() { t.stops.Add(1) }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

// fakeMedia hands out streams of fake tracks, fails with err, or blocks
// until the caller gives up. A non-nil gate holds every answer until closed.
type fakeMedia struct {
	err   error
	block bool
	gate  chan struct{}

	mu     sync.Mutex
	tracks []*fakeTrack
	calls  int
}

func (f *fakeMedia) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var ts []media.Track
	f.mu.Lock()
	if c.Video {
		v := newFakeTrack(media.KindVideo)
		f.tracks = append(f.tracks, v)
		ts = append(ts, v)
	}
	if c.Audio {
		a := newFakeTrack(media.KindAudio)
		f.tracks = append(f.tracks, a)
		ts = append(ts, a)
	}
	f.mu.Unlock()
	return media.NewStream(ts...), nil
}

func (f *fakeMedia) stopCounts() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int32, 0, len(f.tracks))
	for _, t := range f.tracks {
		out = append(out, t.stops.Load())
	}
	return out
}

func (f *fakeMedia) acquireCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
