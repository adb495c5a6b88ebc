package middleware

import (
	"mime"
	"net/http"
	"strings"

	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
)

// AcceptJSON answers 406 when the client accepts no JSON representation.
func AcceptJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r.Header.Values("Accept")) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotAcceptable, "only application/json is served"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func acceptsJSON(values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, header := range values {
		for _, part := range strings.Split(header, ",") {
			media, params, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if q, ok := params["q"]; ok && strings.TrimSpace(q) == "0" {
				continue
			}
			switch media {
			case "*/*", "application/*", httputil.ContentType:
				return true
			}
			if strings.HasSuffix(media, "+json") {
				return true
			}
		}
	}
	return false
}
