package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/storage"
)

type selfInfo struct {
	PeerID    string   `json:"peer_id"`
	Addrs     []string `json:"addrs"`
	Connected []string `json:"connected"`
}

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self: identity and dialable addresses of this peer.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		info := selfInfo{Addrs: []string{}, Connected: []string{}}
		if d.Calls != nil {
			info.PeerID = d.Calls.Self()
		}
		if d.Node != nil {
			info.PeerID = d.Node.ID()
			info.Addrs = append(info.Addrs, d.Node.Addrs()...)
			info.Connected = append(info.Connected, d.Node.ConnectedPeers()...)
		}
		writeJSON(w, info)
	})

	// GET /api/peers: every peer ever seen, most recent first.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if d.Peers == nil {
			writeJSON(w, []storage.CachedPeer{})
			return
		}
		peers, err := d.Peers.ListCachedPeers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if peers == nil {
			peers = []storage.CachedPeer{}
		}
		writeJSON(w, peers)
	})
}
