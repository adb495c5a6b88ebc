// Package handler serves the client_credentials token endpoint.
package handler

import (
	"context"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ban/internal/auth/models"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
	"ban/pkg/requestcontext"
)

// Path is the token endpoint.
const Path = "/token"

const maxFormBytes = 1 << 16

// Service issues tokens.
type Service interface {
	IssueToken(ctx context.Context, req models.TokenRequest) (*models.TokenResponse, error)
}

// Handler serves POST /token.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the endpoint. limit wraps it, typically with a per-IP rate
// limiter; nil leaves it unbounded.
func (h *Handler) Register(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit != nil {
		r.With(limit).Post(Path, h.HandleToken)
		return
	}
	r.Post(Path, h.HandleToken)
}

// HandleToken accepts the grant as a form or as a JSON object.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeTokenRequest(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp, err := h.svc.IssueToken(ctx, req)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "failed to issue token",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (models.TokenRequest, error) {
	var req models.TokenRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == httputil.ContentType {
		if err := httputil.DecodeJSON(r.Body, &req); err != nil {
			return req, err
		}
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return req, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid form body")
	}
	req.GrantType = r.PostForm.Get("grant_type")
	req.ClientID = r.PostForm.Get("client_id")
	req.ClientSecret = r.PostForm.Get("client_secret")
	req.IP = r.PostForm.Get("ip")
	req.Email = r.PostForm.Get("email")
	req.ContributorType = r.PostForm.Get("contributor_type")
	return req, nil
}
