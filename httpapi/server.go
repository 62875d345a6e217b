// Package httpapi serves the agent API and the token-scoped client API.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"soaflow/audit"
	"soaflow/auth"
	"soaflow/soa"
)

// SOAService is satisfied by *soa.Service.
type SOAService interface {
	Create(ctx context.Context, params soa.CreateParams) (soa.Record, error)
	CreateAndSend(ctx context.Context, params soa.CreateParams) (soa.SendResult, error)
	Send(ctx context.Context, actorID, id string) (soa.SendResult, error)
	Resend(ctx context.Context, actorID, id string) (soa.SendResult, error)
	Void(ctx context.Context, actorID, id, reason string) (soa.Record, error)
	Get(ctx context.Context, actorID, id string) (soa.Record, error)
	List(ctx context.Context, actorID, clientID string) ([]soa.Record, error)
	Audit(ctx context.Context, actorID, id string) (audit.Timeline, error)
	Countersign(ctx context.Context, params soa.CountersignParams) (soa.Record, error)
	Edit(ctx context.Context, params soa.EditParams) (soa.EditResult, error)
	SignedURL(ctx context.Context, actorID, id string) (string, time.Time, error)
	Finalize(ctx context.Context, id string) (soa.Record, error)
	ReadByToken(ctx context.Context, token string) (soa.PublicView, error)
	ClientSign(ctx context.Context, token string, params soa.ClientSignParams) (soa.PublicView, error)
}

// SessionVerifier is satisfied by *auth.Service.
type SessionVerifier interface {
	VerifyToken(token string) (auth.Session, error)
}

// Accounts is satisfied by *auth.Service.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

// FileStore serves stored artifacts behind signed URLs. Satisfied by
// *finalize.FSStore.
type FileStore interface {
	Verify(key, sig string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type HTTPMetrics interface {
	ObserveHTTP(route string, code int, elapsed time.Duration)
	Handler() http.Handler
}

type Deps struct {
	SOA      SOAService
	Sessions SessionVerifier
	Accounts Accounts
	Files    FileStore
	Metrics  HTTPMetrics
	Logger   *slog.Logger
	// PublicRateLimitPerMinute caps token route calls per remote address. 0 disables.
	PublicRateLimitPerMinute int
	// Ready reports dependency health for /healthz.
	Ready func(ctx context.Context) error
}

type Server struct {
	soa      SOAService
	sessions SessionVerifier
	accounts Accounts
	files    FileStore
	metrics  HTTPMetrics
	logger   *slog.Logger
	limiter  *fixedWindowLimiter
	ready    func(ctx context.Context) error
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		soa:      d.SOA,
		sessions: d.Sessions,
		accounts: d.Accounts,
		files:    d.Files,
		metrics:  d.Metrics,
		logger:   logger,
		limiter:  newFixedWindowLimiter(d.PublicRateLimitPerMinute, time.Minute),
		ready:    d.Ready,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	if s.accounts != nil {
		r.Route("/auth", func(r chi.Router) {
			r.Use(s.rateLimited)
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
		})
	}

	if s.files != nil {
		r.Get("/files/*", s.handleFile)
	}

	r.Route("/public/soa/{token}", func(r chi.Router) {
		r.Use(s.rateLimited)
		r.Get("/", s.handlePublicRead)
		r.Post("/sign", s.handlePublicSign)
	})

	r.Route("/soa", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Post("/send", s.handleCreateAndSend)
		r.Post("/generate-pdf", s.handleGeneratePDF)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/send", s.handleSend)
			r.Get("/audit", s.handleAudit)
			r.Post("/countersign", s.handleCountersign)
			r.Patch("/edit", s.handleEdit)
			r.Post("/resend", s.handleResend)
			r.Post("/void", s.handleVoid)
			r.Get("/signed-url", s.handleSignedURL)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
			return
		}
	}
	writeOK(w, r, http.StatusOK, map[string]any{"status": "ok"})
}
