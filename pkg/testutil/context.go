package testutil

import (
	"context"
	"net/http"

	"ban/pkg/requestcontext"
)

// WithActor attaches an authenticated principal to the request context.
// This simulates what the auth middleware does for a valid bearer token.
func WithActor(req *http.Request, p requestcontext.Principal) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), p))
}

// Writer returns a principal allowed to write every resource.
func Writer(sessionPK int64, scopes ...string) requestcontext.Principal {
	return requestcontext.Principal{
		SessionPK:       sessionPK,
		ClientPK:        sessionPK,
		ContributorType: "admin",
		Scopes:          append([]string{"view"}, scopes...),
	}
}

// ActorContext returns a background context carrying p.
func ActorContext(p requestcontext.Principal) context.Context {
	return requestcontext.WithActor(context.Background(), p)
}
