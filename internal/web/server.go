package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"
)

// TelemetryInterval is how often telemetry is pushed to SSE clients.
const TelemetryInterval = 500 * time.Millisecond

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, ctrl Controller) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, ctrl, subFS),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("POST /pid/{channel}", h.HandleSetGains)
	mux.HandleFunc("GET /angles", h.HandleAngles)
	mux.HandleFunc("GET /emergency", h.HandleEmergency)
	mux.HandleFunc("POST /emergency", h.HandleEmergency)
	mux.HandleFunc("POST /resume", h.HandleResume)
	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)

	// Routes served to the legacy controller page
	mux.HandleFunc("POST /setArmPID", h.LegacySetGains("arm", "ARM"))
	mux.HandleFunc("POST /setWristPID", h.LegacySetGains("wrist", "WRIST"))
	mux.HandleFunc("GET /getAngles", h.HandleAngles)

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and the telemetry pump, and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go s.handlers.Broadcaster.PumpTelemetry(pumpCtx, s.handlers.Ctrl, TelemetryInterval)

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
