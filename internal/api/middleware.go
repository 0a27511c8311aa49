package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyPrincipal is the context key under which the authenticated
	// *auth.Principal is stored after successful API key verification.
	contextKeyPrincipal contextKey = iota
)

// Authenticate validates the API key presented as a Bearer token in the
// Authorization header (or an X-API-Key header for CLI convenience). On
// success the resolved principal is stored in the request context; on
// failure the chain stops with a 401.
func Authenticate(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				header := r.Header.Get("Authorization")
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					ErrUnauthorized(w)
					return
				}
				key = parts[1]
			}

			principal, err := authSvc.VerifyKey(r.Context(), key)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission allows the request through only when the authenticated
// principal's role grants action on resource. Must run after Authenticate.
//
// Usage:
//
//	r.With(RequirePermission(auth.ResourceJob, auth.ActionManage)).Post(...)
func RequirePermission(resource auth.Resource, action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFromCtx(r.Context())
			if principal == nil {
				ErrUnauthorized(w)
				return
			}
			if !auth.Can(principal.Role, resource, action) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// principalFromCtx retrieves the principal stored by Authenticate. Returns
// nil for unauthenticated requests.
func principalFromCtx(ctx context.Context) *auth.Principal {
	principal, _ := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	return principal
}
