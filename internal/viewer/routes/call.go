package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/records"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("viewer")

const (
	defaultHistory = 50
	maxHistory     = 500
	wsWriteTimeout = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The call screen is served from localhost by a webview or a browser tab.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type callRequest struct {
	CallID string `json:"call_id"`
}

// sessionCommand is what the call screen sends over the session socket.
type sessionCommand struct {
	Action string `json:"action"`
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}
	mgr := d.Calls

	// GET /api/call/debug: snapshots of every live session.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		sessions := mgr.AllSessions()
		writeJSON(w, map[string]any{
			"self":          mgr.Self(),
			"session_count": len(sessions),
			"sessions":      sessions,
			"pending":       mgr.Pending(),
		})
	})

	handleGet(mux, "/api/call/devices", func(w http.ResponseWriter, r *http.Request) {
		if d.Devices == nil {
			writeJSON(w, []any{})
			return
		}
		devs := d.Devices.Enumerate()
		if devs == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, devs)
	})

	// GET /api/call/history?chat_id=&limit=
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		chatID := r.URL.Query().Get("chat_id")
		if !required(w, "chat_id", chatID) {
			return
		}
		limit := defaultHistory
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistory)
		}
		recs, err := mgr.Store().History(r.Context(), chatID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if recs == nil {
			recs = []records.Record{}
		}
		writeJSON(w, recs)
	})

	// POST /api/call/place
	handlePost(mux, "/api/call/place", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string `json:"callee_id"`
		ChatID   string `json:"chat_id"`
	}) {
		if !required(w, "callee_id", req.CalleeID) {
			return
		}
		s, err := mgr.Place(r.Context(), req.CalleeID, req.ChatID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Snapshot())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !required(w, "call_id", req.CallID) {
			return
		}
		s, err := mgr.Accept(r.Context(), req.CallID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Snapshot())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !required(w, "call_id", req.CallID) {
			return
		}
		if err := mgr.Decline(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !required(w, "call_id", req.CallID) {
			return
		}
		if err := mgr.Hangup(req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": req.CallID})
	})

	// POST /api/call/cancel
	handlePost(mux, "/api/call/cancel", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if !required(w, "call_id", req.CallID) {
			return
		}
		if err := mgr.Cancel(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "cancelled", "call_id": req.CallID})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		s, ok := mgr.GetSession(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": s.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		s, ok := mgr.GetSession(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": s.ToggleVideo()})
	})

	// GET /api/call/events: SSE of incoming-call notices. Calls already
	// ringing are replayed first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		notices, cancel := mgr.SubscribeIncoming()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"self\":%q}\n\n", mgr.Self())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case n, ok := <-notices:
				if !ok {
					return
				}
				data, err := json.Marshal(n)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{id}/ws: the call screen's socket. Opening it
	// opens the session; state events flow out, commands flow in. Closing
	// it hangs up.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := pathParts(r, "/api/call/session/")
		if len(parts) != 2 || parts[1] != "ws" {
			http.Error(w, "expected /api/call/session/{id}/ws", http.StatusBadRequest)
			return
		}
		s, err := mgr.Open(r.Context(), parts[0])
		if err != nil {
			writeError(w, err)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("session websocket upgrade failed", "call", util.ShortID(s.ID()), "err", err)
			return
		}
		defer conn.Close()
		serveSession(conn, mgr, s)
	})

	// GET /api/call/media/{id}: remote WebM for the remote video surface.
	// GET /api/call/media/{id}/self: local camera preview.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Surfaces == nil {
			http.Error(w, "media surfaces disabled", http.StatusNotFound)
			return
		}
		parts := pathParts(r, "/api/call/media/")
		self := len(parts) == 2 && parts[1] == "self"
		if len(parts) != 1 && !self {
			http.Error(w, "expected /api/call/media/{id}[/self]", http.StatusBadRequest)
			return
		}
		callID := parts[0]
		surf, ok := d.Surfaces.Get(callID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var (
			data   <-chan []byte
			cancel func()
		)
		if self {
			data, cancel, ok = surf.SubscribeSelf()
			if !ok {
				http.Error(w, "no local camera", http.StatusNotFound)
				return
			}
		} else {
			data, cancel = surf.Subscribe()
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("media websocket upgrade failed", "call", util.ShortID(callID), "err", err)
			return
		}
		defer conn.Close()
		log.Debugw("media websocket connected", "call", util.ShortID(callID), "self", self)
		streamMedia(conn, data)
	})
}

// serveSession pumps session events to conn and commands back. It returns
// when the session ends or the socket goes away; the latter hangs up.
func serveSession(conn *websocket.Conn, mgr *call.Manager, s *call.Session) {
	events, cancel := s.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			var cmd sessionCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			runCommand(mgr, s, cmd.Action)
		}
	}()

	for {
		select {
		case <-gone:
			log.Infow("call screen closed, hanging up", "call", util.ShortID(s.ID()))
			s.Hangup()
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.Hangup()
				return
			}
		}
	}
}

func runCommand(mgr *call.Manager, s *call.Session, action string) {
	switch action {
	case "hangup":
		s.Hangup()
	case "cancel":
		ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
		defer cancel()
		if err := mgr.Cancel(ctx, s.ID()); err != nil {
			log.Debugw("cancel refused", "call", util.ShortID(s.ID()), "err", err)
		}
	case "toggle-audio":
		s.ToggleAudio()
	case "toggle-video":
		s.ToggleVideo()
	default:
		log.Debugw("unknown call screen command", "call", util.ShortID(s.ID()), "action", action)
	}
}

func streamMedia(conn *websocket.Conn, data <-chan []byte) {
	// Drain incoming messages (ping/pong, close frames) without blocking.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-data:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}
