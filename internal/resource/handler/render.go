package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ban/internal/resource/identifier"
	"ban/internal/resource/mask"
	"ban/internal/resource/models"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
)

// Query parameters that never act as collection filters.
var reservedParams = map[string]bool{"limit": true, "offset": true, "fields": true}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	var (
		redirect *identifier.RedirectError
		multiple *identifier.MultipleRedirectsError
		deleted  *identifier.DeletedError
	)
	switch {
	case errors.As(err, &redirect):
		location := resourceURL(r, resource, redirect.Location())
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
	case errors.As(err, &multiple):
		choices := make([]string, 0, len(multiple.Targets))
		for _, ref := range multiple.Locations() {
			u := resourceURL(r, resource, ref)
			choices = append(choices, u)
			w.Header().Add("Link", link(u, "alternate"))
		}
		httputil.WriteJSON(w, http.StatusMultipleChoices, httputil.ErrorResponse{
			Error:       "multiple_choices",
			Description: multiple.Error(),
			Choices:     choices,
		})
	case errors.As(err, &deleted):
		if r.Method == http.MethodGet && deleted.Record.Resource == resource {
			h.writeDeleted(w, r, deleted.Record)
			return
		}
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeGone, deleted.Error()))
	default:
		h.logFailure(r, resource, err)
		httputil.WriteError(w, err)
	}
}

// writeDeleted answers 410 with the last state of the record.
func (h *Handler) writeDeleted(w http.ResponseWriter, r *http.Request, rec *models.Record) {
	sch, err := h.svc.Schema(rec.Resource)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	m, err := selection(r, mask.AsResource(sch))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	body, err := h.svc.Render(r.Context(), rec, m)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusGone, body)
}

func decodePayload(r *http.Request) (map[string]any, error) {
	var payload map[string]any
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request body must be a JSON object")
	}
	return payload, nil
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, dErrors.New(dErrors.CodeBadRequest, "offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

func filters(r *http.Request) map[string]string {
	out := map[string]string{}
	for name, values := range r.URL.Query() {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}

// selection returns the mask of ?fields=, or fallback when absent.
func selection(r *http.Request, fallback mask.Mask) (mask.Mask, error) {
	expr := strings.TrimSpace(r.URL.Query().Get("fields"))
	if expr == "" {
		return fallback, nil
	}
	m, err := mask.Parse(expr)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid fields parameter")
	}
	return m, nil
}

func writeCollection(w http.ResponseWriter, r *http.Request, items []map[string]any, total, limit, offset int, hasNext, hasPrevious bool) {
	body := map[string]any{
		"collection": items,
		"total":      total,
	}
	if hasNext {
		next := pageURL(r, limit, offset+limit)
		body["next"] = next
		w.Header().Add("Link", link(next, "next"))
	}
	if hasPrevious {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		previous := pageURL(r, limit, prev)
		body["previous"] = previous
		w.Header().Add("Link", link(previous, "prev"))
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func pageURL(r *http.Request, limit, offset int) string {
	u := *r.URL
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return absoluteURL(r, u.RequestURI())
}

func link(target, rel string) string {
	return fmt.Sprintf("<%s>; rel=%q", target, rel)
}

func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

func resourceURL(r *http.Request, resource, ref string) string {
	return absoluteURL(r, "/"+resource+"/"+url.PathEscape(ref))
}

func renderVersion(v *models.Version) (map[string]any, error) {
	data, err := v.Decode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode version")
	}
	period := []any{mask.FormatTime(v.Period.Lower), nil}
	if v.Period.Upper != nil {
		period[1] = mask.FormatTime(*v.Period.Upper)
	}
	flags := v.Flags
	if flags == nil {
		flags = []models.Flag{}
	}
	return map[string]any{
		"sequential": v.Sequential,
		"period":     period,
		"data":       data,
		"flags":      flags,
	}, nil
}

// RenderDiff renders one ledger entry of the change feed.
func RenderDiff(d *models.Diff) (map[string]any, error) {
	out := map[string]any{
		"increment":   d.PK,
		"resource":    d.ResourceName,
		"resource_id": d.ResourceID,
		"diff":        d.Changes,
		"created_at":  mask.FormatTime(d.CreatedAt),
		"old":         nil,
		"new":         nil,
	}
	if d.Old != nil {
		data, err := d.Old.Decode()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode version")
		}
		out["old"] = data
	}
	if d.New != nil {
		data, err := d.New.Decode()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode version")
		}
		out["new"] = data
	}
	return out, nil
}
