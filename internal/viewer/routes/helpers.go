package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/records"
)

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

// decodeJSON writes a 400 itself when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeError maps call and record errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrRecordNotFound), errors.Is(err, records.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, call.ErrCallOver), errors.Is(err, call.ErrNotCancellable),
		errors.Is(err, records.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, records.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrSignalingDelivery):
		status = http.StatusBadGateway
	case errors.Is(err, call.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// pathParts splits what follows prefix, e.g. "/api/call/media/" on
// "/api/call/media/abc/self" gives ["abc", "self"].
func pathParts(r *http.Request, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

func required(w http.ResponseWriter, name, v string) bool {
	if strings.TrimSpace(v) == "" {
		http.Error(w, "missing "+name, http.StatusBadRequest)
		return false
	}
	return true
}
