package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/keymarket-backend/api/responses"
	pkgAuth "github.com/angelmondragon/keymarket-backend/pkg/auth"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// CartTokenHeader carries the anonymous shopper's cart token.
const CartTokenHeader = "X-Cart-Token"

// Auth validates a bearer token and seeds the request context with the claims.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			ctx, err := withAccessClaims(r.Context(), cfg, token, logg)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Shopper resolves who owns the cart: a signed-in user from the bearer token,
// otherwise an anonymous session from the cart token. Requests carrying
// neither pass through unidentified; a token that fails to parse is rejected.
func Shopper(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if token := bearer(r); token != "" {
				authed, err := withAccessClaims(ctx, cfg, token, logg)
				if err != nil {
					responses.WriteError(ctx, logg, w, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(authed))
				return
			}

			if raw := strings.TrimSpace(r.Header.Get(CartTokenHeader)); raw != "" {
				claims, err := pkgAuth.ParseCartToken(cfg, raw)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid cart token"))
					return
				}
				ctx = WithSessionID(ctx, claims.SessionID.String())
				if logg != nil {
					ctx = logg.WithField(ctx, "session_id", claims.SessionID.String())
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}

func withAccessClaims(ctx context.Context, cfg config.JWTConfig, token string, logg *logger.Logger) (context.Context, error) {
	claims, err := pkgAuth.ParseAccessToken(cfg, token)
	if err != nil {
		return ctx, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}

	ctx = context.WithValue(ctx, ctxUserID, claims.UserID.String())
	ctx = context.WithValue(ctx, ctxRole, string(claims.Role))
	if claims.Email != "" {
		ctx = context.WithValue(ctx, ctxEmail, claims.Email)
	}

	if logg != nil {
		ctx = logg.WithUserID(ctx, claims.UserID.String())
		ctx = logg.WithActorRole(ctx, string(claims.Role))
	}
	return ctx, nil
}
