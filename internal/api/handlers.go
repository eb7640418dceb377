package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"
	"go.opentelemetry.io/otel"

	"github.com/amillerrr/revspot-vision/internal/auth"
	"github.com/amillerrr/revspot-vision/internal/config"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/internal/tagging"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-api")

// Configuration constants
const (
	MaxFilenameLength  = 255
	MaxRequestBodySize = 16 << 20 // 16 MB, room for a frame data URI
	CallbackPath       = "/api/auth/google/callback"
)

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	sessions    *auth.SessionManager
	cookies     *securecookie.SecureCookie
	states      *auth.StateSigner
	rateLimiter *auth.RateLimiter
	storage     storage.Factory
	tagger      tagging.Tagger
	refiner     tagging.Refiner
	queue       *pipeline.Queue
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
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
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		cfg:         cfg.Config,
		log:         log,
		sessions:    cfg.Sessions,
		cookies:     cfg.Cookies,
		states:      cfg.States,
		rateLimiter: cfg.RateLimiter,
		storage:     cfg.StorageFactory,
		tagger:      cfg.Tagger,
		refiner:     cfg.Refiner,
		queue:       cfg.Queue,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code and writes it.
func (h *Handlers) writeFailure(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusUnauthorized:
		message = "Not authenticated"
	case http.StatusInternalServerError:
		h.log.ErrorContext(ctx, "Request failed", "error", err)
	}
	h.writeError(ctx, w, status, message)
}

// limitRequestBody wraps the request body with a size limit.
func (h *Handlers) limitRequestBody(w http.ResponseWriter, r *http.Request, limit int64) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
}

// decodeJSON reads a size-limited JSON body into dst, writing the error
// response itself when decoding fails.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	h.limitRequestBody(w, r, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(r.Context(), w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func statusFor(err error) int {
	var remoteErr *models.RemoteError
	switch {
	case errors.Is(err, models.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotRefinable),
		errors.Is(err, models.ErrDuplicateEntry),
		errors.Is(err, pipeline.ErrVideoUnavailable):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// cookieStore binds the credential cookie to this request.
func (h *Handlers) cookieStore(w http.ResponseWriter, r *http.Request) *auth.CookieStore {
	return auth.NewCookieStore(w, r, h.cookies, auth.CookieOptions{
		MaxAge: h.cfg.Session.CookieMaxAge,
		Secure: h.cfg.IsProduction(),
	})
}

// requestStorage returns a storage client that refreshes through the
// request's cookie, so a refreshed token reaches the browser.
func (h *Handlers) requestStorage(ctx context.Context, store auth.CredentialStore) (storage.Client, error) {
	if h.storage == nil {
		return nil, fmt.Errorf("%w: no storage backend configured", models.ErrNotAuthenticated)
	}
	if _, err := h.sessions.Credential(ctx, store); err != nil {
		return nil, err
	}
	return h.storage(ctx, h.sessions.TokenSource(ctx, store))
}

// backgroundStorage returns a storage client for queue work that outlives
// the request. It runs on a snapshot of the current credential.
func (h *Handlers) backgroundStorage(ctx context.Context, store auth.CredentialStore) (storage.Client, error) {
	if h.storage == nil {
		return nil, fmt.Errorf("%w: no storage backend configured", models.ErrNotAuthenticated)
	}
	cred, err := h.sessions.Credential(ctx, store)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	return h.storage(bg, h.sessions.TokenSource(bg, auth.NewMemoryStore(cred)))
}

// redirectURL returns the configured OAuth redirect, or one derived from the
// host the browser used.
func (h *Handlers) redirectURL(r *http.Request) string {
	if h.cfg.Google.RedirectURL != "" {
		return h.cfg.Google.RedirectURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.TrimSpace(scheme)
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + CallbackPath
}

// Validation functions

func validateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return models.ErrMissingName
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}
	if strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return fmt.Errorf("%w: filename must not contain path separators", models.ErrValidation)
	}
	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("%w: content type is required", models.ErrInvalidContentType)
	}
	if !models.IsVideoMimeType(contentType) {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
	}
	return nil
}
