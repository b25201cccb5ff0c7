package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/surface"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Node is the local libp2p host. It is nil when signaling runs in-process.
type Node interface {
	ID() string
	Addrs() []string
	ConnectedPeers() []string
}

type PeerCache interface {
	ListCachedPeers() ([]storage.CachedPeer, error)
}

type Devices interface {
	Enumerate() []media.Device
}

type Deps struct {
	Calls    *call.Manager
	Surfaces *surface.Registry
	Node     Node
	Peers    PeerCache
	Devices  Devices
	Logs     Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerCallRoutes(mux, d)
}
