// Package api exposes the scheduler to the tab lifecycle layer and the
// transport over a loopback HTTP control surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"project-governor/internal/loop"
	"project-governor/internal/network"
	"project-governor/internal/scheduler"
	"project-governor/internal/security"
)

// TokenHeader carries the control token on every /v1 call.
const TokenHeader = "X-Governor-Token"

type Config struct {
	Token     string
	RateLimit float64 // requests per second, 0 means unlimited
	Burst     int
}

// Deps are the components the control surface drives.
type Deps struct {
	Logger    *slog.Logger
	Loop      *loop.Loop
	Scheduler *scheduler.Scheduler
	Servers   *network.ServerProperties
	Metrics   http.Handler
	Audit     *security.AuditLogger
}

type ControlServer struct {
	logger  *slog.Logger
	loop    *loop.Loop
	sched   *scheduler.Scheduler
	servers *network.ServerProperties
	metrics http.Handler
	audit   *security.AuditLogger
	token   string
	limiter *rate.Limiter
	router  *chi.Mux
	http    *http.Server

	// Touched only on the loop goroutine.
	requests map[string]*remoteRequest
}

func NewControlServer(deps Deps, cfg Config) *ControlServer {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	s := &ControlServer{
		logger:   deps.Logger,
		loop:     deps.Loop,
		sched:    deps.Scheduler,
		servers:  deps.Servers,
		metrics:  deps.Metrics,
		audit:    deps.Audit,
		token:    cfg.Token,
		limiter:  rate.NewLimiter(limit, burst),
		router:   chi.NewRouter(),
		requests: make(map[string]*remoteRequest),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *ControlServer) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *ControlServer) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control server bind %s: %w", addr, err)
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Control server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control server failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackMiddleware)

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.securityMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/audit", s.handleAudit)

		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleCreateClient)
		r.Get("/clients/{pid}/{rid}", s.handleGetClient)
		r.Delete("/clients/{pid}/{rid}", s.handleDeleteClient)
		r.Post("/clients/{pid}/{rid}/{event}", s.handleClientEvent)

		r.Post("/requests", s.handleScheduleRequest)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.Post("/requests/{id}/priority", s.handleReprioritize)
		r.Delete("/requests/{id}", s.handleCompleteRequest)

		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleSetServer)
	})
}

func (s *ControlServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Control request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "elapsed", time.Since(start))
	})
}

func (s *ControlServer) loopbackMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip := net.ParseIP(sourceIP); ip == nil || !ip.IsLoopback() {
			s.audit.Log(sourceIP, r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusForbidden, "External Access Denied")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := r.Method + " " + r.URL.Path

		token := r.Header.Get(TokenHeader)
		if s.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			s.audit.Log(sourceIP, userAgent, action, http.StatusUnauthorized, "Invalid Token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !s.limiter.Allow() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusTooManyRequests, "Rate Limited")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		s.audit.Log(sourceIP, userAgent, action, http.StatusOK, "Authorized")
		next.ServeHTTP(w, r)
	})
}

// onLoop runs fn on the scheduler goroutine. On failure it has already
// written the error response.
func (s *ControlServer) onLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := s.loop.Call(r.Context(), fn); err != nil {
		s.logger.Error("Control call failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", err))
		return false
	}
	return true
}
