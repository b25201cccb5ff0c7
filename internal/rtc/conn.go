package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
)

var ErrClosed = errors.New("rtc: connection closed")

// Conn is one peer connection and its local/remote track bindings.
type Conn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	state   State
	onState func(State)
	closed  bool

	closeOnce sync.Once
}

func newConn(pc *webrtc.PeerConnection) *Conn {
	c := &Conn{pc: pc, state: StateNew}
	metrics.ActivePeerConnections.Inc()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := stateFrom(s)
		c.mu.Lock()
		if st == c.state {
			c.mu.Unlock()
			return
		}
		c.state = st
		fn := c.onState
		c.mu.Unlock()

		metrics.PeerConnectionStateChanges.WithLabelValues(string(st)).Inc()
		log.Debugw("connection state", "state", st)
		if fn != nil {
			fn(st)
		}
	})
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddLocalTracks attaches every track of s. A kind the stream does not carry
// gets a receive-only transceiver so the description still has an m-line for
// it. A nil stream makes the connection receive-only.
func (c *Conn) AddLocalTracks(s *media.Stream) error {
	if c.isClosed() {
		return ErrClosed
	}
	if s != nil {
		for _, t := range s.Tracks() {
			sender, err := c.pc.AddTrack(t.Local())
			if err != nil {
				return err
			}
			go drainRTCP(sender)
		}
	}
	for _, k := range []struct {
		kind  media.Kind
		codec webrtc.RTPCodecType
	}{{media.KindVideo, webrtc.RTPCodecTypeVideo}, {media.KindAudio, webrtc.RTPCodecTypeAudio}} {
		if s != nil && s.Has(k.kind) {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(k.codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// drainRTCP reads sender feedback until the sender stops. Interceptors only
// see RTCP that is read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				metrics.PLIRequestsTotal.WithLabelValues("received").Inc()
				log.Debugw("keyframe requested by remote")
			}
		}
	}
}

// CreateOffer creates an offer and sets it as the local description.
func (c *Conn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer creates an answer to the remote offer and sets it locally.
func (c *Conn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// OnICECandidate forwards each gathered local candidate. The end-of-gathering
// nil candidate is not forwarded.
func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		fn(cand.ToJSON())
	})
}

func (c *Conn) OnRemoteTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		metrics.RemoteTracksTotal.WithLabelValues(t.Kind().String()).Inc()
		log.Infow("remote track", "id", t.ID(), "kind", t.Kind().String(), "codec", t.Codec().MimeType)
		fn(t)
	})
}

func (c *Conn) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// RequestKeyframe asks the remote sender of ssrc for a fresh keyframe.
func (c *Conn) RequestKeyframe(ssrc uint32) error {
	if c.isClosed() {
		return ErrClosed
	}
	metrics.PLIRequestsTotal.WithLabelValues("sent").Inc()
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the connection. Only the first call does anything.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.pc.Close()
		metrics.ActivePeerConnections.Dec()
	})
	return err
}
