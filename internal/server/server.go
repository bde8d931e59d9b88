package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"file-relay/internal/content"
	"file-relay/internal/metrics"
	"file-relay/internal/registry"
	"file-relay/internal/sanitize"
)

// multipartOverhead is the slack allowed on top of the file size limit for
// multipart boundaries and part headers.
const multipartOverhead = 1 << 20

type Config struct {
	Addr string // e.g. ":8080"
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
	// TrustProxy lets X-Forwarded-For / X-Real-IP replace RemoteAddr.
	TrustProxy bool
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Registry  *registry.Registry
	Sanitizer *sanitize.Sanitizer
	Content   content.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Checks are probed by /health, keyed by component name.
	Checks map[string]Pinger
}

type Server struct {
	httpServer *http.Server
	limiter    *rateLimiter
	trustProxy bool

	registry  *registry.Registry
	sanitizer *sanitize.Sanitizer
	content   content.Store
	metrics   *metrics.Metrics
	log       *zap.Logger
	checks    map[string]Pinger
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		registry:  deps.Registry,
		sanitizer: deps.Sanitizer,
		content:   deps.Content,
		metrics:   deps.Metrics,
		log:       log.Named("http"),
		checks:    deps.Checks,

		trustProxy: cfg.TrustProxy,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Minute)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// [realIP] -> requestID -> logging -> recover -> security headers -> rate limit -> routes
	if s.trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(securityHeadersMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/files", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/{id}", s.handleMetadata)
		r.Get("/{id}/content", s.handleDownload)
		r.Delete("/{id}", s.handleDelete)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, kindNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed)
	})
	return r
}

// Handler exposes the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
