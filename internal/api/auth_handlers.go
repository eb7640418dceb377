package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/auth"
	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

// Callback redirects carry these error codes to the front page.
const (
	redirectHome         = "/"
	redirectMissingCode  = "/?error=Missing-code"
	redirectInvalidState = "/?error=Invalid-state"
	redirectAuthFailed   = "/?error=Authentication-failed"
)

// AuthURLHandler returns the consent URL with a freshly signed state.
func (h *Handlers) AuthURLHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := h.states.Issue()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to issue oauth state", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to get auth URL")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]string{
		"url": h.sessions.AuthURL(state, h.redirectURL(r)),
	})
}

// CallbackHandler completes the consent flow and stores the credential cookie.
func (h *Handlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "oauth-callback-handler")
	defer span.End()

	clientIP := auth.GetClientIP(r)
	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		retryAfter := h.rateLimiter.RetryAfter(clientIP)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		h.log.WarnContext(ctx, "Rate limited oauth callback", "ip", clientIP)
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.log.InfoContext(ctx, "Consent denied", "error", errParam)
		http.Redirect(w, r, redirectAuthFailed, http.StatusFound)
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Redirect(w, r, redirectMissingCode, http.StatusFound)
		return
	}

	if err := h.states.Validate(query.Get("state")); err != nil {
		span.RecordError(err)
		h.recordAuthFailure(clientIP, "invalid_state")
		h.log.WarnContext(ctx, "Rejected oauth callback", "error", err, "ip", clientIP)
		http.Redirect(w, r, redirectInvalidState, http.StatusFound)
		return
	}

	store := h.cookieStore(w, r)
	if err := h.sessions.Exchange(ctx, store, code, h.redirectURL(r)); err != nil {
		span.RecordError(err)
		h.recordAuthFailure(clientIP, "exchange_failed")
		h.log.ErrorContext(ctx, "Failed to exchange authorization code", "error", err, "ip", clientIP)
		http.Redirect(w, r, redirectAuthFailed, http.StatusFound)
		return
	}

	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}
	span.SetAttributes(attribute.Bool("auth.connected", true))
	h.log.InfoContext(ctx, "Account connected", "ip", clientIP)
	http.Redirect(w, r, redirectHome, http.StatusFound)
}

func (h *Handlers) recordAuthFailure(clientIP, reason string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	if h.rateLimiter != nil {
		h.rateLimiter.RecordFailure(clientIP)
	}
}

type sessionResponse struct {
	Session *auth.Session `json:"session"`
}

// SessionHandler returns the connected identity. A credential that cannot be
// used is reported as 401. Transient failures keep the cookie and report 503.
func (h *Handlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := h.cookieStore(w, r)

	session, err := h.sessions.Session(ctx, store)
	if err != nil {
		if errors.Is(err, models.ErrNotAuthenticated) {
			h.writeError(ctx, w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		h.log.ErrorContext(ctx, "Failed to get session", "error", err)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Session temporarily unavailable")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, sessionResponse{Session: session})
}

// SignOutHandler deletes the credential cookie.
func (h *Handlers) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.sessions.SignOut(ctx, h.cookieStore(w, r)); err != nil {
		h.log.ErrorContext(ctx, "Failed to sign out", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to sign out")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]bool{"success": true})
}
