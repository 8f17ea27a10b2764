// Package httpapi is the chi-routed HTTP/WS surface (§6): the pipeline
// service (`POST /pipeline/run`, `GET /pipeline/:id`, SSE event stream,
// stop, list) and the WebSocket upgrade endpoint that bridges the Event
// Bus and the Agent Orchestrator to browser clients through the WS
// Broker. Grounded on the teacher's internal/api-equivalent in
// quorum-ai (internal/api/server.go): chi.NewRouter with
// middleware.RequestID/RealIP/Recoverer/Timeout, rs/cors, a
// slog-backed logging middleware, and a Route("/api/v1", ...) tree of
// sub-routers, generalized from workflow endpoints to pipeline/thread
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/director"
	"github.com/re-cinq/conduit/internal/errs"
	"github.com/re-cinq/conduit/internal/eventbus"
	"github.com/re-cinq/conduit/internal/idempotency"
	"github.com/re-cinq/conduit/internal/orchestrator"
	"github.com/re-cinq/conduit/internal/pipeline"
	"github.com/re-cinq/conduit/internal/threads"
	"github.com/re-cinq/conduit/internal/webhook"
	"github.com/re-cinq/conduit/internal/wsbroker"
)

// Server is the conduitd HTTP surface: pipeline REST+SSE endpoints plus
// the WebSocket upgrade for the agent service.
type Server struct {
	router chi.Router
	logger *slog.Logger

	cfg    *config.Config
	runner *pipeline.Runner
	bus    *eventbus.Bus
	guard  *idempotency.Guard
	ws     *wsbroker.Broker

	manifest *director.MemoryManifest
	webhooks *webhook.Dispatcher

	threads *threads.Store
	orch    *orchestrator.Orchestrator

	mu       sync.Mutex
	requests map[string]*pipeline.Request
}

// SetThreadManager wires the Thread Manager and Agent Orchestrator
// behind the /projects and /threads routes; conduitd calls this before
// ListenAndServe, the same optional-setter shape as SetManifest.
func (s *Server) SetThreadManager(store *threads.Store, orch *orchestrator.Orchestrator) {
	s.threads = store
	s.orch = orch
}

// SetManifest wires the Director's ready-for-merge queue: once set, a
// pipeline request that reaches PipelineApproved is handed off for
// integration.
func (s *Server) SetManifest(m *director.MemoryManifest) { s.manifest = m }

// SetWebhookDispatcher wires outbound webhook delivery: once set, every
// event published for a request is forwarded to all configured adapters.
func (s *Server) SetWebhookDispatcher(d *webhook.Dispatcher) { s.webhooks = d }

// NewServer wires a Server around an already-constructed Pipeline
// Runner, Event Bus, and WS Broker.
func NewServer(cfg *config.Config, runner *pipeline.Runner, bus *eventbus.Bus, ws *wsbroker.Broker) *Server {
	s := &Server{
		logger:   slog.Default(),
		cfg:      cfg,
		runner:   runner,
		bus:      bus,
		guard:    idempotency.New(),
		ws:       ws,
		requests: make(map[string]*pipeline.Request),
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/run", s.handleRunPipeline)
		r.Get("/list", s.handleListPipelines)
		r.Get("/{id}", s.handleGetPipeline)
		r.Get("/{id}/events", s.handlePipelineEvents)
		r.Post("/{id}/stop", s.handleStopPipeline)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Post("/{projectId}/threads", s.handleCreateThread)
	})
	r.Route("/threads", func(r chi.Router) {
		r.Get("/{id}", s.handleGetThread)
		r.Post("/{id}/messages", s.handleThreadMessage)
		r.Post("/{id}/stop", s.handleStopThread)
	})

	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response failed", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := errs.New(errs.KindOf(err), "").HTTPStatus()
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// IsRunning implements idempotency.LiveChecker.
func (s *Server) IsRunning(requestID string) bool {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return !req.Status().IsTerminal()
}

// HasStatus implements idempotency.LiveChecker.
func (s *Server) HasStatus(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[requestID]
	return ok
}

func (s *Server) register(req *pipeline.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

func (s *Server) lookup(id string) (*pipeline.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	return req, ok
}

func (s *Server) listAll() []*pipeline.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pipeline.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	return out
}

func newRequestID() string { return uuid.NewString() }

// ListenAndServe starts the HTTP server and shuts it down when ctx is
// cancelled, mirroring the teacher's graceful-shutdown shape.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("starting http api", "addr", addr)
	return srv.ListenAndServe()
}
