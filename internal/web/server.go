package web

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/metrics"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, st Station, broadcaster *StatusBroadcaster, journal *debug.Journal, formDefaults FormConfig) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(st, broadcaster, journal, formDefaults, subFS),
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /state", h.HandleState)
	mux.HandleFunc("GET /log", h.HandleLog)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.HandleFunc("POST /hardware/start", h.HandleStart)
	mux.HandleFunc("POST /hardware/stop", h.HandleStop)
	mux.HandleFunc("POST /axes/step", h.HandleStep)
	mux.HandleFunc("POST /axes/{name}/move", h.HandleMove)
	mux.HandleFunc("POST /axes/{name}/jog", h.HandleJog)
	mux.HandleFunc("POST /scan", h.HandleScan)
	mux.HandleFunc("DELETE /scan", h.HandleCancelScan)
	mux.HandleFunc("GET /camera/settings", h.HandleGetSettings)
	mux.HandleFunc("POST /camera/settings", h.HandleApplySettings)
	mux.HandleFunc("GET /preview.png", h.HandlePreview)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
// Journal records are forwarded to the status stream while it runs.
func (s *Server) Run(ctx context.Context) error {
	if s.handlers.Journal != nil {
		go s.handlers.Broadcaster.Forward(ctx, s.handlers.Journal)
	}

	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
