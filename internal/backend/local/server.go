package local

import (
	"io"
	"log/slog"
	"net/http"

	"parley/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Server exposes the backend's push feed and signed object access over HTTP.
type Server struct {
	backend  *Backend
	upgrader *websocket.Upgrader
}

func NewServer(backend *Backend) *Server {
	return &Server{
		backend: backend,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback reference backend
			},
		},
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", s.HandleFeed)
	mux.HandleFunc("GET /objects/{path}", s.HandleObject)
	return mux
}

// HandleFeed upgrades to a websocket, reads the msgpack subscription filter
// as the first frame, then streams matching push events as msgpack frames.
func (s *Server) HandleFeed(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("feed upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		slog.Warn("feed closed before subscription filter", "error", err)
		return
	}
	var filter realtime.Filter
	if err := msgpack.Unmarshal(data, &filter); err != nil {
		slog.Warn("undecodable subscription filter", "error", err)
		return
	}

	sub := s.backend.hub.subscribe(filter)
	defer s.backend.hub.unsubscribe(sub)

	// Drain client frames so closes are noticed; subscribers never send
	// anything after the filter.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			frame, err := msgpack.Marshal(ev)
			if err != nil {
				slog.Error("failed to marshal push event", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// HandleObject serves object bytes for a valid, unexpired signed URL.
func (s *Server) HandleObject(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	q := r.URL.Query()
	if err := s.backend.VerifySignature(path, q.Get("expires"), q.Get("sig")); err != nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	rc, err := s.backend.files.Get(path)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("object download interrupted", "path", path, "error", err)
	}
}
