package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"collab-drawer/pkg/config"
	"collab-drawer/pkg/db"
	"collab-drawer/pkg/handlers"
	"collab-drawer/pkg/metrics"
	"collab-drawer/pkg/ot"
	"collab-drawer/pkg/room"
	"collab-drawer/pkg/sequencer"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Server represents the application server
type Server struct {
	router    *mux.Router
	registry  *room.Registry
	sequencer *sequencer.Sequencer
	handlers  *handlers.Handlers
	opLog     db.OperationStore
	metrics   *metrics.Metrics
	config    *config.Config
}

// NewServer creates a new server instance. The operation log selected by
// cfg is opened here.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	opLog, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	return newServer(cfg, opLog), nil
}

func newServer(cfg *config.Config, opLog db.OperationStore) *Server {
	m := metrics.New()
	seq := sequencer.New(ot.NewDMPPatcher(), m)
	registry := room.NewRegistry(m)

	// keep untyped nils so the handlers see no persister
	var persister handlers.Persister
	var lister handlers.OperationLister
	if opLog != nil {
		persister, lister = opLog, opLog
	}

	dispatcher := handlers.NewDispatcher(seq, registry, persister, cfg.PersistTimeout, m)
	h := handlers.NewHandlers(dispatcher, registry, seq, lister, handlers.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Client: room.ClientOptions{
			SendBuffer: cfg.SendBuffer,
			ReadLimit:  cfg.ReadLimit,
		},
	})

	// Setup routes
	r := mux.NewRouter()

	// WebSocket endpoint for real-time collaboration
	r.HandleFunc("/collaboration", h.HandleWebSocket)

	// REST API endpoints
	r.HandleFunc("/api/exercises/{id:[0-9]+}/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/api/exercises/{id:[0-9]+}/history", h.ClearHistory).Methods("DELETE")
	r.HandleFunc("/api/exercises/{id:[0-9]+}/text", h.GetText).Methods("GET")
	r.HandleFunc("/api/exercises/{id:[0-9]+}/log", h.GetOperationLog).Methods("GET")

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	return &Server{
		router:    r,
		registry:  registry,
		sequencer: seq,
		handlers:  h,
		opLog:     opLog,
		metrics:   m,
		config:    cfg,
	}
}

// Handler returns the root HTTP handler. Preflight requests are answered
// before routing because the API routes are method-restricted.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.config.AllowedOrigins, s.router)
}

// Run serves until ctx is cancelled, then shuts the HTTP server down and
// stops the registry.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.GetServerAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.registry.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("Starting collaboration server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Println("Shutting down collaboration server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// corsMiddleware lets browser clients on the allowed origins read the
// exercise API. An empty list allows any origin.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	allow := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allow[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")

		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			h.Set("Access-Control-Allow-Origin", "*")
		case len(allow) == 0 || allow[origin]:
			h.Set("Access-Control-Allow-Origin", origin)
		}
		h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close closes the operation log.
func (s *Server) Close() error {
	if s.opLog != nil {
		return s.opLog.Close()
	}
	return nil
}
