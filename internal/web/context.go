package web

import (
	"context"
	"net/http"

	"github.com/rowmill/rowmill/internal/core"
)

// WithRequestMetadata records the caller's IP and User-Agent on the
// context so run logs can attribute who started a run.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	// RemoteAddr is already resolved by the TrustedRealIP middleware.
	ctx = core.ContextWithClientIP(ctx, r.RemoteAddr)
	ctx = core.ContextWithUserAgent(ctx, r.Header.Get("User-Agent"))
	return ctx
}
