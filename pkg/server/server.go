package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-flow/pkg/broadcast"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const (
	// DefaultAddr is the publication address.
	DefaultAddr = ":8080"

	shutdownTimeout = 5 * time.Second
)

// StatsSource reports engine state for /healthz.
type StatsSource interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

// Options configure a Server.
type Options struct {
	Addr      string
	Hub       *broadcast.Hub
	Stats     StatsSource
	Metrics   *telemetry.Metrics
	WebSocket broadcast.WSOptions
	// StaticDir serves a viewer at / when set.
	StaticDir string
	Logger    *slog.Logger
}

// Server is the publication HTTP server.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

type healthResponse struct {
	Status         string `json:"status"`
	Subscribers    int    `json:"subscribers"`
	Buffers        int    `json:"buffers"`
	AsyncEntries   int    `json:"asyncEntries"`
	Seen           int    `json:"seen"`
	DedupEvictions int    `json:"dedupEvictions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server. Hub is required.
func New(opts Options) (*Server, error) {
	if opts.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "server"),
	}
	s.handler = s.routes(opts)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "polis-flow")
	})

	hub := opts.Hub
	r.Handle("/ws", broadcast.NewWSHandler(hub, opts.WebSocket))
	r.Get("/healthz", s.health(hub, opts.Stats))
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(LoggingMiddleware(s.logger))
		r.Get("/transactions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, hub.Recent().All())
		})
		r.Get("/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
			tx, ok := hub.Recent().Get(chi.URLParam(r, "id"))
			if !ok {
				writeJSON(w, http.StatusNotFound, errorResponse{Error: "transaction not found"})
				return
			}
			writeJSON(w, http.StatusOK, tx)
		})
		r.Get("/bodies/{recordID}/{side}", s.body(hub))
	})

	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}

func (s *Server) health(hub *broadcast.Hub, stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Subscribers: hub.Len()}
		if stats != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			st, err := stats.Stats(ctx)
			if err != nil {
				s.logger.Warn("engine stats unavailable", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Subscribers: resp.Subscribers})
				return
			}
			resp.Buffers = st.Buffers
			resp.AsyncEntries = st.AsyncEntries
			resp.Seen = st.Seen
			resp.DedupEvictions = st.DedupEvictions
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) body(hub *broadcast.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		side := domain.BodySide(chi.URLParam(r, "side"))
		if side != domain.BodyRequest && side != domain.BodyResponse {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown body side %q", side)})
			return
		}
		ref := domain.BodyRef{RecordID: chi.URLParam(r, "recordID"), Side: side}
		body, ok := hub.Bodies().Get(ref)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "body not found"})
			return
		}
		if json.Valid([]byte(body)) {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

// Listen binds the publication address. Serving on the returned listener
// is done by Serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("bind publication address %s: %w", s.addr, err)
	}
	s.logger.Info("publication server bound", "address", ln.Addr().String())
	return ln, nil
}

// Serve handles requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("publication server shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	<-errCh
	s.logger.Info("publication server stopped")
	return nil
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
