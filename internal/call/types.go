package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/rtc"
)

// PeerConn is what a session needs from a peer connection. *rtc.Conn
// satisfies it.
type PeerConn interface {
	AddLocalTracks(s *media.Stream) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(rtc.RemoteTrack))
	OnStateChange(func(rtc.State))
	RequestKeyframe(ssrc uint32) error
	Close() error
}

var _ PeerConn = (*rtc.Conn)(nil)

// PeerFactory creates one peer connection per session.
type PeerFactory func() (PeerConn, error)

// Relay payloads. Field names match what browser clients put on the wire.
type offerMsg struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type answerMsg struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type candidateMsg struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
