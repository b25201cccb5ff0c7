// Package viewer is the local HTTP surface of a peer: the call API the call
// screen talks to, media websockets, logs and metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/surface"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Calls    *call.Manager
	Surfaces *surface.Registry
	Node     routes.Node // optional; /api/self falls back to the call manager
	Peers    routes.PeerCache
	Devices  routes.Devices
	Logs     *LogBuffer
}

// Handler builds the full mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	deps := routes.Deps{
		Calls:    v.Calls,
		Surfaces: v.Surfaces,
		Node:     v.Node,
		Peers:    v.Peers,
		Devices:  v.Devices,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(api, deps)

	mux.Handle("/api/", noCache(api))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infow("viewer listening", "addr", "http://"+ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
