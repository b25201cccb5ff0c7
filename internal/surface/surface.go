// Package surface feeds the call screen's video surfaces. Remote tracks of a
// session are depacketized and muxed into a live WebM stream; the local
// camera preview gets its own video-only stream. Both are consumed over
// websocket by the viewer.
package surface

import (
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("surface")

// maxLate is how many packets the sample builder holds for reordering.
const maxLate = 128

// Source is the part of a call session the surface reads from.
type Source interface {
	ID() string
	OnRemoteTrack(fn func(rtc.RemoteTrack)) func()
	RequestKeyframe(ssrc uint32) error
	SelfView() (media.SelfView, bool)
	Done() <-chan struct{}
}

// Remote is the media surface of one session.
type Remote struct {
	src    Source
	remote *Muxer

	mu        sync.Mutex
	videoSSRC uint32
	hasVideo  bool
	self      *Muxer
	wg        sync.WaitGroup
}

// Attach starts pumping src's remote tracks. The surface closes itself when
// the session ends.
func Attach(src Source) *Remote {
	r := &Remote{src: src, remote: NewMuxer(src.ID())}
	stop := src.OnRemoteTrack(r.onTrack)
	go func() {
		<-src.Done()
		stop()
		r.remote.Close()
		r.mu.Lock()
		self := r.self
		r.mu.Unlock()
		if self != nil {
			self.Close()
		}
	}()
	return r
}

// Subscribe streams the remote WebM. A keyframe is requested so the new
// viewer can start decoding at once.
func (r *Remote) Subscribe() (<-chan []byte, func()) {
	ch, cancel := r.remote.Subscribe()
	metrics.MediaSubscribers.Inc()
	r.requestKeyframe()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			metrics.MediaSubscribers.Dec()
		})
	}
}

// SubscribeSelf streams the local camera preview. ok is false when the
// session has no camera.
func (r *Remote) SubscribeSelf() (<-chan []byte, func(), bool) {
	r.mu.Lock()
	if r.self == nil {
		view, ok := r.src.SelfView()
		if !ok {
			r.mu.Unlock()
			return nil, nil, false
		}
		r.self = NewMuxer(r.src.ID() + "/self")
		go pumpSelf(view, r.self)
	}
	self := r.self
	r.mu.Unlock()

	ch, cancel := self.Subscribe()
	return ch, cancel, true
}

// Wait blocks until every track pump has returned.
func (r *Remote) Wait() { r.wg.Wait() }

func (r *Remote) requestKeyframe() {
	r.mu.Lock()
	ssrc, ok := r.videoSSRC, r.hasVideo
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.src.RequestKeyframe(ssrc); err != nil {
		log.Debugw("keyframe request failed", "call", util.ShortID(r.src.ID()), "err", err)
	}
}

func (r *Remote) onTrack(t rtc.RemoteTrack) {
	mime := strings.ToLower(t.Codec().MimeType)
	var (
		depack rtp.Depacketizer
		rate   uint32
		write  func(int64, []byte)
	)
	switch mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		depack, rate, write = &codecs.VP8Packet{}, 90000, r.remote.WriteVideo
		r.mu.Lock()
		r.videoSSRC, r.hasVideo = uint32(t.SSRC()), true
		r.mu.Unlock()
	case strings.ToLower(webrtc.MimeTypeOpus):
		depack, rate, write = &codecs.OpusPacket{}, 48000, r.remote.WriteAudio
		r.remote.EnableAudio()
	default:
		log.Warnw("remote codec not displayable, draining", "call", util.ShortID(r.src.ID()), "codec", mime)
	}

	log.Infow("remote track", "call", util.ShortID(r.src.ID()), "kind", t.Kind().String(), "codec", mime, "ssrc", t.SSRC())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pump(t, depack, rate, write)
	}()
}

// pump is the single reader of t. A nil depacketizer just drains it.
func pump(t rtc.RemoteTrack, depack rtp.Depacketizer, rate uint32, write func(int64, []byte)) {
	var sb *samplebuilder.SampleBuilder
	if depack != nil {
		sb = samplebuilder.New(maxLate, depack, rate)
	}
	var clk rtpClock
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			return
		}
		if sb == nil {
			continue
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			write(clk.millis(s.PacketTimestamp, rate), s.Data)
		}
	}
}

// rtpClock unwraps 32-bit RTP timestamps into a monotonic millisecond count.
type rtpClock struct {
	last  uint32
	ticks int64
	set   bool
}

func (c *rtpClock) millis(ts uint32, rate uint32) int64 {
	if !c.set {
		c.last, c.set = ts, true
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	return c.ticks * 1000 / int64(rate)
}

// pumpSelf copies encoded preview frames into mux until the view closes.
func pumpSelf(view media.SelfView, mux *Muxer) {
	start := time.Now()
	for {
		frame, release, err := view.ReadFrame()
		if err != nil {
			log.Debugw("self view ended", "err", err)
			mux.Close()
			return
		}
		mux.WriteVideo(time.Since(start).Milliseconds(), frame)
		release()
	}
}

// Registry maps call IDs to live surfaces.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[string]*Remote
}

func NewRegistry() *Registry {
	return &Registry{surfaces: make(map[string]*Remote)}
}

// Attach creates the surface for src and forgets it when src ends.
func (g *Registry) Attach(src Source) *Remote {
	r := Attach(src)
	g.mu.Lock()
	g.surfaces[src.ID()] = r
	g.mu.Unlock()
	go func() {
		<-src.Done()
		g.mu.Lock()
		if g.surfaces[src.ID()] == r {
			delete(g.surfaces, src.ID())
		}
		g.mu.Unlock()
	}()
	return r
}

func (g *Registry) Get(callID string) (*Remote, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.surfaces[callID]
	return r, ok
}
