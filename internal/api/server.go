// Package api provides the HTTP server for the video tagging service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/revspot-vision/internal/auth"
	"github.com/amillerrr/revspot-vision/internal/config"
	"github.com/amillerrr/revspot-vision/internal/health"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/internal/tagging"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer    *http.Server
	cfg           *config.Config
	log           *slog.Logger
	rateLimiter   *auth.RateLimiter
	healthChecker *health.Checker
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Sessions       *auth.SessionManager
	Cookies        *securecookie.SecureCookie
	States         *auth.StateSigner
	RateLimiter    *auth.RateLimiter
	StorageFactory storage.Factory
	Tagger         tagging.Tagger
	Refiner        tagging.Refiner
	Queue          *pipeline.Queue
	HealthChecker  *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Sessions == nil || cfg.Cookies == nil || cfg.States == nil {
		return nil, errors.New("session manager, cookie codec and state signer are required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}

	handlers := NewHandlers(&HandlersConfig{
		Config:         cfg.Config,
		Logger:         cfg.Logger,
		Sessions:       cfg.Sessions,
		Cookies:        cfg.Cookies,
		States:         cfg.States,
		RateLimiter:    cfg.RateLimiter,
		StorageFactory: cfg.StorageFactory,
		Tagger:         cfg.Tagger,
		Refiner:        cfg.Refiner,
		Queue:          cfg.Queue,
	})

	router := NewRouter(handlers, cfg.HealthChecker, cfg.Config.CORS.AllowedOrigins, cfg.Logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           router,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:    httpServer,
		cfg:           cfg.Config,
		log:           cfg.Logger,
		rateLimiter:   cfg.RateLimiter,
		healthChecker: cfg.HealthChecker,
	}, nil
}

// NewRouter wires every route onto a chi router.
func NewRouter(h *Handlers, checker *health.Checker, allowedOrigins []string, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(metricsMiddleware)
	r.Use(CORSMiddleware(allowedOrigins))

	// Public endpoints
	if checker != nil {
		r.Get("/health", checker.Handler())
		r.Get("/health/deep", checker.DeepHandler())
	}

	// Metrics endpoint (internal only)
	r.Method(http.MethodGet, "/metrics", internalOnlyMiddleware(promhttp.Handler()))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/url", h.AuthURLHandler)
			r.Get("/google/callback", h.CallbackHandler)
			r.Get("/session", h.SessionHandler)
			r.Post("/signout", h.SignOutHandler)
			r.Get("/signout", h.SignOutHandler)
		})

		r.Post("/upload-to-drive", h.UploadToDriveHandler)
		r.Post("/rename-drive-file", h.RenameDriveFileHandler)
		r.Get("/drive/files", h.ListDriveFilesHandler)

		r.Post("/tags", h.GenerateTagsHandler)
		r.Post("/tags/refine", h.RefineTagsHandler)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.ListQueueHandler)
			r.Post("/", h.SubmitQueueHandler)
			r.Post("/remote", h.SubmitRemoteHandler)
			r.Get("/{id}", h.GetEntryHandler)
			r.Delete("/{id}", h.RemoveEntryHandler)
			r.Get("/{id}/video", h.VideoHandler)
			r.Post("/{id}/refine", h.RefineEntryHandler)
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Proxied requests came through the load balancer
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
