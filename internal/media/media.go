// Package media is the capability gateway for local camera and microphone
// capture. The call core only sees Gateway, Stream and Track; device access
// lives behind Devices.
package media

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: no compatible device")
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Constraints selects which kinds of track Acquire captures.
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Track is one local capture track. Disabling a track keeps it attached to
// the connection; video then carries black frames and audio silence.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	// Local is what gets attached to a peer connection.
	Local() webrtc.TrackLocal
}

// SelfView yields encoded VP8 frames of the local camera for the local video
// surface. ReadFrame blocks until the next frame.
type SelfView interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// Gateway acquires local media. Acquire may block indefinitely waiting for a
// device; callers bound it with ctx.
type Gateway interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is the set of tracks returned by one Acquire. It is owned by exactly
// one call session.
type Stream struct {
	tracks   []Track
	selfView SelfView

	mu       sync.Mutex
	released bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// WithSelfView attaches a local preview source, closed on Release.
func (s *Stream) WithSelfView(v SelfView) *Stream {
	s.selfView = v
	return s
}

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// SelfView returns the local preview source, if capture produced one.
func (s *Stream) SelfView() (SelfView, bool) {
	return s.selfView, s.selfView != nil
}

// Has reports whether the stream carries a track of kind k.
func (s *Stream) Has(k Kind) bool {
	for _, t := range s.tracks {
		if t.Kind() == k {
			return true
		}
	}
	return false
}

// Release stops every track. Safe to call more than once.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if s.selfView != nil {
		_ = s.selfView.Close()
	}
	for _, t := range s.tracks {
		t.Stop()
	}
	log.Debugw("stream released", "tracks", len(s.tracks))
}

func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// SetEnabled flips every track of kind k and returns how many it touched.
func (s *Stream) SetEnabled(k Kind, enabled bool) int {
	n := 0
	for _, t := range s.tracks {
		if t.Kind() == k {
			t.SetEnabled(enabled)
			n++
		}
	}
	return n
}

// Enabled reports whether any track of kind k is enabled.
func (s *Stream) Enabled(k Kind) bool {
	for _, t := range s.tracks {
		if t.Kind() == k && t.Enabled() {
			return true
		}
	}
	return false
}

// Device describes one capture device for the device listing.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Options shape capture and encoding.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int
	PreferredCam string
	PreferredMic string
}
