package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
)

// adminAuthMiddleware validates the operator's Authorization header and sets
// an AdminIdentity on the request context. With a JWT authenticator
// configured the bearer value is a JWT; otherwise it must equal the static
// admin token.
func (s *Server) adminAuthMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		authHeader := ctx.Header("Authorization")
		if authHeader == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		tokenValue, ok := bearerToken(authHeader)
		if !ok {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		if s.adminJWT != nil {
			identity, err := s.adminJWT.Validate(tokenValue)
			if err != nil {
				slog.Warn("admin JWT validation failed", "error", err)
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrNotOperator) {
					status = http.StatusForbidden
				}
				_ = huma.WriteErr(api, ctx, status, "invalid admin credentials")
				return
			}
			slog.Debug("admin JWT authentication successful", "subject", identity.Subject, "groups", identity.Groups)
			next(huma.WithContext(ctx, auth.WithAdmin(ctx.Context(), identity)))
			return
		}

		if subtle.ConstantTimeCompare([]byte(auth.HashToken(tokenValue)), []byte(s.adminToken)) != 1 {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid admin credentials")
			return
		}
		identity := &auth.AdminIdentity{Subject: "admin", Method: "token"}
		next(huma.WithContext(ctx, auth.WithAdmin(ctx.Context(), identity)))
	}
}

// bearerToken accepts "Bearer <v>" and "token <v>".
func bearerToken(header string) (string, bool) {
	for _, prefix := range []string{"Bearer ", "bearer ", "token "} {
		if v, ok := strings.CutPrefix(header, prefix); ok && v != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
