package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ArrEssJay/chimera-sub003/internal/config"
)

// Server is the HTTP server exposing the simulator API.
type Server struct {
	mux       *http.ServeMux
	handler   *Handlers
	metrics   *Metrics
	addr      string
	staticDir string
}

// NewServer creates a server for cfg. When staticDir is non-empty its
// files are served at the root.
func NewServer(cfg config.Config, staticDir string) *Server {
	metrics := NewMetrics()
	s := &Server{
		mux:       http.NewServeMux(),
		handler:   NewHandlers(cfg, metrics),
		metrics:   metrics,
		addr:      cfg.Server.Addr,
		staticDir: staticDir,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.route("/api/simulate", s.handler.HandleSimulate)
	s.route("/api/sweep", s.handler.HandleSweep)
	s.route("/api/sweep/cancel", s.handler.HandleSweepCancel)
	s.route("/api/status", s.handler.HandleStatus)
	s.route("/api/config/default", s.handler.HandleDefaultConfig)

	s.mux.Handle("/metrics", s.metrics.Handler())

	// The upgrade needs the raw ResponseWriter, so /ws is not instrumented.
	s.mux.HandleFunc("/ws", s.handler.HandleWebSocket)

	if s.staticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
}

// route registers fn and counts its responses by status code.
func (s *Server) route(pattern string, fn http.HandlerFunc) {
	counter := s.metrics.httpRequests
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		counter.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Handlers returns the API handlers.
func (s *Server) Handlers() *Handlers { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("[server] listening on %s", s.addr)
		fmt.Printf("\n  Chimera simulator running at http://%s\n\n", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Infof("[server] shutting down")
	s.handler.stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
