// Package rtc owns WebRTC peer connections: one Conn per call session, built
// from a shared Factory carrying the codec set, interceptors and ICE timers.
package rtc

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("rtc")

// State mirrors the peer connection state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether s ends a call.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateFailed, StateClosed:
		return true
	}
	return false
}

func stateFrom(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// RemoteTrack is the slice of *webrtc.TrackRemote that consumers read from.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Config struct {
	ICEServers []webrtc.ICEServer

	// ICE agent timers. Zero leaves pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Factory builds peer connections sharing one pion API.
type Factory struct {
	api *webrtc.API

	mu         sync.RWMutex
	iceServers []webrtc.ICEServer
}

// NewFactory builds the media engine with codecs (nil registers pion's
// defaults), then the default interceptors and ICE timers.
func NewFactory(cfg Config, codecs func(*webrtc.MediaEngine) error) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if codecs == nil {
		codecs = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := codecs(me); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}

	// A short relay or NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, iceServers: cfg.ICEServers}, nil
}

// SetICEServers replaces the servers used by connections created from now on.
func (f *Factory) SetICEServers(servers []webrtc.ICEServer) {
	f.mu.Lock()
	f.iceServers = append([]webrtc.ICEServer(nil), servers...)
	f.mu.Unlock()
}

func (f *Factory) ICEServers() []webrtc.ICEServer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]webrtc.ICEServer(nil), f.iceServers...)
}

func (f *Factory) New() (*Conn, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers()})
	if err != nil {
		return nil, err
	}
	return newConn(pc), nil
}
