// Package app wires one peer together: identity, storage, signaling
// transport, media, the call manager and the viewer.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/surface"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Dial, when set, places a call to this peer once the peer is up. Run
	// returns when that call ends.
	Dial   string
	ChatID string
}

// ErrCallFailed is returned by a dialing Run whose call did not end normally.
var ErrCallFailed = errors.New("call did not complete")

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go logBuf.Follow(pipe)
	setLogLevel(cfg.Log.Level)

	logBanner(opt.PeerDir, opt.CfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Database
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBFile))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Infow("call database", "path", db.Path())

	// ── P2P node and signaling transport
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
		Peers:      db,
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	self := node.ID()
	transport := relay.NewPubSub(node.PubSub())

	// ── Media and peer connections
	devices, err := media.NewDevices(media.Options{
		MaxWidth:     cfg.Call.MaxWidth,
		MaxHeight:    cfg.Call.MaxHeight,
		VideoBitrate: cfg.Call.VideoBitrate,
		PreferredCam: cfg.Call.PreferredCam,
		PreferredMic: cfg.Call.PreferredMic,
	})
	if err != nil {
		return fmt.Errorf("init media: %w", err)
	}
	factory, err := rtc.NewFactory(rtcConfig(cfg.Call), devices.PopulateCodecs)
	if err != nil {
		return fmt.Errorf("init webrtc: %w", err)
	}

	// ── Calls
	mgr, err := call.New(ctx, call.Options{
		Self:    self,
		Store:   db.Calls(),
		Relay:   relay.NewClient(transport, self),
		Media:   devices,
		NewPeer: func() (call.PeerConn, error) { return factory.New() },
		Constraints: media.Constraints{
			Video: cfg.Call.Video,
			Audio: cfg.Call.Audio,
		},
	})
	if err != nil {
		return fmt.Errorf("start call manager: %w", err)
	}
	defer mgr.Close()

	surfaces := surface.NewRegistry()
	mgr.OnSession(func(s *call.Session) {
		surfaces.Attach(s)
		if err := db.NoteCall(s.Remote(), s.ID()); err != nil {
			log.Warnw("peer cache write failed", "peer", util.ShortID(s.Remote()), "err", err)
		}
	})

	if opt.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
				factory.SetICEServers(iceServers(c.Call.ICEServers))
				setLogLevel(c.Log.Level)
			})
			if err != nil {
				log.Warnw("config watch stopped", "err", err)
			}
		}()
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls:    mgr,
			Surfaces: surfaces,
			Node:     node,
			Peers:    db,
			Devices:  devices,
			Logs:     logBuf,
		}
		go func() {
			if err := viewer.Start(ctx, addr, v); err != nil {
				log.Errorw("viewer stopped", "addr", addr, "err", err)
			}
		}()
		log.Infow("call viewer", "url", url)
	}

	log.Infow("peer ready", "peer", self)

	if opt.Dial == "" {
		<-ctx.Done()
		log.Infow("shutting down")
		return nil
	}
	return dial(ctx, mgr, opt.Dial, opt.ChatID)
}

// dial places one call and follows it until it ends.
func dial(ctx context.Context, mgr *call.Manager, callee, chatID string) error {
	s, err := mgr.Place(ctx, callee, chatID)
	if err != nil {
		return err
	}
	events, stop := s.Subscribe()
	defer stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			s.Hangup()
			<-s.Done()
			return nil
		case ev, ok := <-events:
			if !ok {
				return callResult(s.Snapshot())
			}
			if ev.Session.Status != last {
				last = ev.Session.Status
				log.Infow(last, "call", util.ShortID(s.ID()), "state", ev.Session.State)
			}
			if ev.Type == "ended" {
				return callResult(ev.Session)
			}
		}
	}
}

func callResult(snap call.Snapshot) error {
	switch snap.Outcome {
	case call.OutcomeEnded, call.OutcomeEndedByRemote:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCallFailed, snap.Status)
}

func rtcConfig(c config.Call) rtc.Config {
	return rtc.Config{
		ICEServers:          iceServers(c.ICEServers),
		DisconnectedTimeout: time.Duration(c.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(c.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(c.KeepAliveSec) * time.Second,
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
