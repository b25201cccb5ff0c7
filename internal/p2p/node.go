// Package p2p runs the libp2p host that carries call signaling between peers.
// Peers find each other over mDNS on the LAN or through configured bootstrap
// addresses, and exchange signaling over gossipsub.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/petervdpas/goopcall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors are noise on a LAN.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// PeerSink records peers as they connect.
type PeerSink interface {
	SeenPeer(peerID string, addrs []string) error
}

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string
	Peers      PeerSink
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	md   mdns.Service
	sub  event.Subscription
	opts Options
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns connect failed", "peer", util.ShortID(pi.ID.String()), "err", err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating a new one", "path", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// LoadIdentity returns the peer ID stored in keyFile, creating the key on
// first use. Peers running without a libp2p host still sign up under it.
func LoadIdentity(keyFile string) (string, error) {
	priv, _, err := loadOrCreateKey(keyFile)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infow("generated identity key", "path", opts.KeyFile)
	} else {
		log.Infow("loaded identity key", "path", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = sub.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, ps: ps, md: md, sub: sub, opts: opts}
	go n.watchPeers()

	for _, addr := range opts.Bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warnw("bootstrap dial failed", "addr", addr, "err", err)
		}
	}

	log.Infow("p2p node up", "peer", n.ID(), "addrs", n.Addrs())
	return n, nil
}

// watchPeers hands every newly connected peer to the sink until the host closes.
func (n *Node) watchPeers() {
	for e := range n.sub.Out() {
		ev, ok := e.(event.EvtPeerConnectednessChanged)
		if !ok || ev.Connectedness != network.Connected {
			continue
		}
		id := ev.Peer.String()
		log.Debugw("peer connected", "peer", util.ShortID(id))
		if n.opts.Peers == nil {
			continue
		}
		var addrs []string
		for _, a := range n.Host.Peerstore().Addrs(ev.Peer) {
			addrs = append(addrs, a.String())
		}
		if err := n.opts.Peers.SeenPeer(id, addrs); err != nil {
			log.Warnw("peer cache write failed", "peer", util.ShortID(id), "err", err)
		}
	}
}

// Connect dials a multiaddr ending in /p2p/<peer-id>.
func (n *Node) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(ctx, *pi)
}

// PubSub is the gossipsub router the signaling relay publishes through.
func (n *Node) PubSub() *pubsub.PubSub { return n.ps }

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs are the host's dialable addresses with loopback and link-local
// ones left out, each suffixed with /p2p/<id>.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.Host.ID()))
	}
	return out
}

// ConnectedPeers lists the IDs of peers with a live connection, sorted.
func (n *Node) ConnectedPeers() []string {
	ids := n.Host.Network().Peers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

func (n *Node) Close() error {
	_ = n.md.Close()
	_ = n.sub.Close()
	return n.Host.Close()
}
