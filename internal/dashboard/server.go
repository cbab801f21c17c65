// Package dashboard serves the web UI and JSON API over the supervisor's
// state, plus a WebSocket feed of live worker events.
package dashboard

import (
	"embed"
	"io/fs"
	"net"
	"net/http"
	"strings"
)

//go:embed static
var staticFiles embed.FS

// Config holds server wiring.
type Config struct {
	// Store backs the REST endpoints.
	Store Store
	// Live exposes in-memory worker state merged into agent listings. Optional.
	Live LiveView
	// Hub, when non-nil, registers the /ws endpoint.
	Hub *Hub
}

// Server is the dashboard HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to addr (e.g. "127.0.0.1:8420"). It does not
// start serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	api := &apiHandler{store: cfg.Store, live: cfg.Live}
	s.mux.HandleFunc("GET /api/agents", api.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}/logs", api.handleAgentLogs)
	s.mux.HandleFunc("GET /api/issues", api.handleListIssues)
	s.mux.HandleFunc("GET /api/prs", api.handleListPRs)
	s.mux.HandleFunc("GET /api/metrics", api.handleMetrics)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /ws", cfg.Hub.ServeWS)
	}

	// Unregistered /api/ routes are 404, not index.html.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	s.mux.Handle("/", staticHandler())
}

// staticHandler serves the embedded UI, with index.html at the root.
func staticHandler() http.Handler {
	root, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic("loading embedded dashboard assets: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := root.Open(path); err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}

		index, err := fs.ReadFile(root, "index.html")
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	})
}
