package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/kvscope/pkg/jwt"
)

type authContextKey struct{}

// authInfo is the verified identity of a diagnostics caller.
type authInfo struct {
	Subject string
	TokenID string
}

var (
	errNoCredentials = errors.New("missing authorization header")
	errBadScheme     = errors.New("invalid authorization header format")
)

// requireAuth rejects requests without a valid diagnostics token.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, status, msg := r.authenticate(req)
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		ctx := context.WithValue(req.Context(), authContextKey{}, info)
		if rec, ok := w.(*statusRecorder); ok {
			rec.subject = info.Subject
		}
		next(w, req.WithContext(ctx))
	}
}

// authenticate returns a non-zero status with a client message when the
// request must be refused.
func (r *Router) authenticate(req *http.Request) (authInfo, int, string) {
	log := r.logger.With("path", req.URL.Path)
	if r.tokenSecret == "" {
		log.Error("diagnostics token secret not configured")
		return authInfo{}, http.StatusServiceUnavailable, "diagnostics authentication not configured"
	}
	token, err := requestToken(req)
	if err != nil {
		log.Warn("authorization header invalid", "error", err)
		return authInfo{}, http.StatusUnauthorized, "authentication required"
	}
	claims, err := jwtpkg.Verify(token, r.tokenSecret, jwtpkg.ScopeDiagnostics)
	switch {
	case errors.Is(err, jwtpkg.ErrScope):
		log.Warn("token scope rejected", "subject", claims.Subject, "scope", claims.Scope)
		return authInfo{}, http.StatusForbidden, "insufficient scope"
	case err != nil:
		log.Warn("token validation failed", "error", err)
		return authInfo{}, http.StatusUnauthorized, "authentication failed"
	}
	return authInfo{Subject: claims.Subject, TokenID: claims.ID}, 0, ""
}

// requestToken reads the bearer token. Browsers cannot set headers on
// websocket or EventSource requests, so stream routes also accept the
// access_token query parameter.
func requestToken(req *http.Request) (string, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if errors.Is(err, errNoCredentials) && isStreamRoute(req.URL.Path) {
		if query := strings.TrimSpace(req.URL.Query().Get("access_token")); query != "" {
			return query, nil
		}
	}
	return token, err
}

func isStreamRoute(path string) bool {
	return strings.HasPrefix(path, "/ws/") || strings.HasPrefix(path, "/sse/")
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errBadScheme
	}
	return token, nil
}
