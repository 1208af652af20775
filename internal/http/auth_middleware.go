package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/launchpad/pkg/jwt"
)

type authContextKey string

const contextKeyAuth authContextKey = "launchpad-auth-claims"

type contextSetter interface {
	SetContext(context.Context)
}

// openAccess stands in for a token when no secret is configured.
var openAccess = &jwt.Claims{Scopes: []string{jwt.ScopeDeploy, jwt.ScopeRead, jwt.ScopeRuntime}}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
// Scope and project checks happen in the handler once the project is known.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	if r.tokenSecret == "" {
		return context.WithValue(req.Context(), contextKeyAuth, openAccess), true
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil && req.URL.Query().Get("access_token") != "" {
		// Browsers cannot set headers on websocket or event-stream requests.
		token, err = strings.TrimSpace(req.URL.Query().Get("access_token")), nil
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	claims, err := jwt.Parse(token, r.tokenSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	return context.WithValue(req.Context(), contextKeyAuth, claims), true
}

// authorize checks that the request's token grants scope on projectID and
// writes a 403 when it does not.
func (r *Router) authorize(w http.ResponseWriter, req *http.Request, scope, projectID string) bool {
	claims, ok := claimsFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return false
	}
	if !claims.Allows(scope, projectID) {
		r.logger.Warn("token scope rejected", "path", req.URL.Path, "scope", scope, "project_id", projectID, "subject", claims.Subject)
		writeError(w, http.StatusForbidden, jwt.ErrScope.Error())
		return false
	}
	return true
}

// claimsFromContext extracts the verified token claims.
func claimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(contextKeyAuth).(*jwt.Claims)
	return claims, ok && claims != nil
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
