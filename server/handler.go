package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: originChecker(hub.cfg.AllowedOrigins),
	}

	r := mux.NewRouter()

	// WebSocket endpoint.
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		client := newClient(hub, conn)
		client.logger.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")
		go client.WritePump()
		go client.ReadPump()
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Sessions())
	}).Methods(http.MethodGet)

	r.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		docs, err := hub.Documents(r.Context())
		if err != nil {
			hub.logger.Error().Err(err).Msg("list documents")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list documents"})
			return
		}
		writeJSON(w, http.StatusOK, docs)
	}).Methods(http.MethodGet)

	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
