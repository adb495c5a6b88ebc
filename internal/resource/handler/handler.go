// Package handler exposes the REST envelope of every registered resource.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ban/internal/platform/middleware"
	"ban/internal/resource/mask"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/service"
	"ban/internal/resource/validator"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
	"ban/pkg/requestcontext"
)

// Service is the resource surface the envelope drives.
type Service interface {
	Registry() *schema.Registry
	Schema(resource string) (*schema.Schema, error)
	Get(ctx context.Context, resource, ref string) (*models.Record, error)
	List(ctx context.Context, resource string, filters map[string]string, limit, offset int) (*service.Page[*models.Record], error)
	Render(ctx context.Context, rec *models.Record, m mask.Mask) (map[string]any, error)
	RenderMany(ctx context.Context, recs []*models.Record, m mask.Mask) ([]map[string]any, error)
	Create(ctx context.Context, resource string, payload map[string]any) (*models.Record, error)
	Update(ctx context.Context, resource, ref string, payload map[string]any, mode validator.Mode) (*models.Record, error)
	Delete(ctx context.Context, resource, ref string) (*models.Record, error)
	Versions(ctx context.Context, resource, ref string, limit, offset int) (*service.Page[*models.Version], error)
	Version(ctx context.Context, resource, ref, vref string) (*models.Version, error)
	Flag(ctx context.Context, resource, ref string, sequential int, on bool) (*models.Version, error)
	Redirects(ctx context.Context, resource, ref string) ([]string, error)
	AddRedirect(ctx context.Context, resource, ref, old string) error
	RemoveRedirect(ctx context.Context, resource, ref, old string) error
	Diffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error)
}

// Handler serves /{resource}/... and /diff.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// New creates a resource Handler.
func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// WriteScope is the scope guarding writes on resource.
func WriteScope(resource string) string {
	return resource + "_write"
}

// Register mounts the routes of every resource. Authentication must already
// be applied on r.
func (h *Handler) Register(r chi.Router) {
	view := middleware.RequireScope(middleware.ScopeView)
	r.With(view).Get("/diff", h.handleDiffs)

	for _, name := range h.svc.Registry().Names() {
		resource := name
		write := middleware.RequireScope(WriteScope(resource))
		r.Route("/"+resource, func(r chi.Router) {
			r.With(view).Get("/", h.handleList(resource))
			r.With(write).Post("/", h.handleCreate(resource))

			r.Route("/{ref}", func(r chi.Router) {
				r.With(view).Get("/", h.handleGet(resource))
				r.With(write).Patch("/", h.handleUpdate(resource, validator.Patch))
				r.With(write).Put("/", h.handleUpdate(resource, validator.Replace))
				r.With(write).Delete("/", h.handleDelete(resource))

				r.With(view).Get("/versions", h.handleVersions(resource))
				r.With(view).Get("/versions/{vref}", h.handleVersion(resource))
				r.With(view).Post("/versions/{vref}/flag", h.handleFlag(resource))

				r.With(view).Get("/redirects", h.handleRedirects(resource))
				r.With(write).Put("/redirects/{old}", h.handleAddRedirect(resource))
				r.With(write).Delete("/redirects/{old}", h.handleRemoveRedirect(resource))
			})
		})
	}
}

func (h *Handler) handleList(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sch, err := h.svc.Schema(resource)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		limit, offset, err := pagination(r)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		m, err := selection(r, mask.AsCollection(sch))
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}

		page, err := h.svc.List(ctx, resource, filters(r), limit, offset)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		items, err := h.svc.RenderMany(ctx, page.Items, m)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		writeCollection(w, r, items, page.Total, page.Limit, page.Offset, page.HasNext(), page.HasPrevious())
	}
}

func (h *Handler) handleCreate(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		payload, err := decodePayload(r)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		rec, err := h.svc.Create(ctx, resource, payload)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		w.Header().Set("Location", resourceURL(r, resource, rec.ID))
		h.writeRecord(w, r, http.StatusCreated, rec)
	}
}

func (h *Handler) handleGet(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.svc.Get(r.Context(), resource, chi.URLParam(r, "ref"))
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		h.writeRecord(w, r, http.StatusOK, rec)
	}
}

func (h *Handler) handleUpdate(resource string, mode validator.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := decodePayload(r)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		rec, err := h.svc.Update(r.Context(), resource, chi.URLParam(r, "ref"), payload, mode)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		h.writeRecord(w, r, http.StatusOK, rec)
	}
}

func (h *Handler) handleDelete(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.svc.Delete(r.Context(), resource, chi.URLParam(r, "ref")); err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleVersions(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		page, err := h.svc.Versions(r.Context(), resource, chi.URLParam(r, "ref"), limit, offset)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		items := make([]map[string]any, 0, len(page.Items))
		for _, v := range page.Items {
			rendered, err := renderVersion(v)
			if err != nil {
				h.writeError(w, r, resource, err)
				return
			}
			items = append(items, rendered)
		}
		writeCollection(w, r, items, page.Total, page.Limit, page.Offset, page.HasNext(), page.HasPrevious())
	}
}

func (h *Handler) handleVersion(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h.svc.Version(r.Context(), resource, chi.URLParam(r, "ref"), chi.URLParam(r, "vref"))
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		h.writeVersion(w, r, resource, v)
	}
}

type flagRequest struct {
	Status *bool `json:"status"`
}

func (h *Handler) handleFlag(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sequential, err := strconv.Atoi(chi.URLParam(r, "vref"))
		if err != nil || sequential < 1 {
			h.writeError(w, r, resource, dErrors.New(dErrors.CodeBadRequest, "version must be a positive integer"))
			return
		}
		on := true
		if r.ContentLength != 0 {
			var req flagRequest
			if err := httputil.DecodeJSON(r.Body, &req); err != nil {
				h.writeError(w, r, resource, err)
				return
			}
			if req.Status != nil {
				on = *req.Status
			}
		}
		v, err := h.svc.Flag(r.Context(), resource, chi.URLParam(r, "ref"), sequential, on)
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		h.writeVersion(w, r, resource, v)
	}
}

func (h *Handler) handleRedirects(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirects, err := h.svc.Redirects(r.Context(), resource, chi.URLParam(r, "ref"))
		if err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"collection": redirects,
			"total":      len(redirects),
		})
	}
}

func (h *Handler) handleAddRedirect(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, old := chi.URLParam(r, "ref"), chi.URLParam(r, "old")
		if err := h.svc.AddRedirect(r.Context(), resource, ref, old); err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		w.Header().Set("Location", resourceURL(r, resource, ref)+"/redirects/"+old)
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) handleRemoveRedirect(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.RemoveRedirect(r.Context(), resource, chi.URLParam(r, "ref"), chi.URLParam(r, "old")); err != nil {
			h.writeError(w, r, resource, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleDiffs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	if raw := q.Get("increment"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, r, "diff", dErrors.New(dErrors.CodeBadRequest, "increment must be a non-negative integer"))
			return
		}
		after = n
	}
	limit, _, err := pagination(r)
	if err != nil {
		h.writeError(w, r, "diff", err)
		return
	}
	limit, _ = service.ClampPage(limit, 0)

	diffs, err := h.svc.Diffs(r.Context(), after, limit, q.Get("resource"))
	if err != nil {
		h.writeError(w, r, "diff", err)
		return
	}
	items := make([]map[string]any, 0, len(diffs))
	for _, d := range diffs {
		rendered, err := RenderDiff(d)
		if err != nil {
			h.writeError(w, r, "diff", err)
			return
		}
		items = append(items, rendered)
	}
	body := map[string]any{"collection": items}
	if len(diffs) == limit {
		next := *r.URL
		nq := next.Query()
		nq.Set("increment", strconv.FormatInt(diffs[len(diffs)-1].PK, 10))
		next.RawQuery = nq.Encode()
		body["next"] = absoluteURL(r, next.RequestURI())
		w.Header().Add("Link", link(body["next"].(string), "next"))
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) writeRecord(w http.ResponseWriter, r *http.Request, status int, rec *models.Record) {
	sch, err := h.svc.Schema(rec.Resource)
	if err != nil {
		h.writeError(w, r, rec.Resource, err)
		return
	}
	m, err := selection(r, mask.AsResource(sch))
	if err != nil {
		h.writeError(w, r, rec.Resource, err)
		return
	}
	body, err := h.svc.Render(r.Context(), rec, m)
	if err != nil {
		h.writeError(w, r, rec.Resource, err)
		return
	}
	httputil.WriteJSON(w, status, body)
}

func (h *Handler) writeVersion(w http.ResponseWriter, r *http.Request, resource string, v *models.Version) {
	body, err := renderVersion(v)
	if err != nil {
		h.writeError(w, r, resource, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) logFailure(r *http.Request, resource string, err error) {
	ctx := r.Context()
	attrs := []any{
		"error", err,
		"resource", resource,
		"request_id", requestcontext.RequestID(ctx),
	}
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "resource request failed", attrs...)
		return
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		h.logger.DebugContext(ctx, "resource request rejected", attrs...)
	}
}
