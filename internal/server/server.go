// Package server hosts the federation engine behind a chi router with
// the middleware stack and lifecycle the rest of the binary expects.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/weftfed/weft/federation"
	"github.com/weftfed/weft/internal/app"
	"github.com/weftfed/weft/internal/config"
	"github.com/weftfed/weft/nodeinfo"
)

const version = "0.1.0"

// Server is the HTTP front of a weft node.
type Server struct {
	cfg       *config.Config
	app       *app.App
	fed       *federation.Federation[*app.App]
	router    *chi.Mux
	startedAt time.Time
}

// New assembles the router around the federation handler.
func New(cfg *config.Config, a *app.App, fed *federation.Federation[*app.App]) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		app:       a,
		fed:       fed,
		startedAt: time.Now(),
	}
	if err := fed.SetNodeInfoDispatcher(s.dispatchNodeInfo); err != nil {
		return nil, err
	}
	s.router = s.buildRouter()
	return s, nil
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "origin", s.cfg.Origin)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","uptime":%q}`+"\n", time.Since(s.startedAt).Round(time.Second))
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "weft - an ActivityPub server.\n\nRunning on %s\n", s.cfg.Origin)
	})

	// Everything else — actor, inbox, collections, well-known discovery —
	// belongs to the federation engine.
	fedHandler := s.fed.Handler(func(r *http.Request) *app.App { return s.app }, nil)
	r.NotFound(fedHandler.ServeHTTP)

	return r
}

func (s *Server) dispatchNodeInfo(c *federation.Context[*app.App]) (*nodeinfo.NodeInfo, error) {
	followers, err := s.app.Followers(c)
	if err != nil {
		return nil, err
	}
	return &nodeinfo.NodeInfo{
		Software: nodeinfo.Software{
			Name:       "weft",
			Version:    version,
			Repository: "https://github.com/weftfed/weft",
		},
		Protocols: []string{"activitypub"},
		Usage: nodeinfo.Usage{
			Users: nodeinfo.Users{Total: 1, ActiveMonth: 1, ActiveHalfyear: 1},
		},
		Metadata: map[string]any{
			"followers": len(followers),
		},
	}, nil
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
