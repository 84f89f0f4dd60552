package cart

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/api/middleware"
	"github.com/angelmondragon/keymarket-backend/api/responses"
	"github.com/angelmondragon/keymarket-backend/api/validators"
	cartsvc "github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/pkg/auth"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// Get returns the caller's open cart. Unidentified callers get an empty cart.
func Get(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}

		owner := middleware.OwnerFromContext(r.Context())
		if owner.Validate() != nil {
			responses.WriteSuccess(w, newCartResponse(nil, ""))
			return
		}

		view, err := svc.Get(r.Context(), owner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCartResponse(view, ""))
	}
}

// SetItem sets one variant's quantity; zero removes it. A first write from an
// unidentified caller starts an anonymous session and returns its cart token.
func SetItem(svc cartsvc.Service, jwtCfg config.JWTConfig, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}

		var payload setItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		owner := middleware.OwnerFromContext(r.Context())
		token := ""
		if owner.Validate() != nil {
			sessionID := uuid.New()
			minted, err := auth.MintCartToken(jwtCfg, time.Now().UTC(), sessionID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint cart token"))
				return
			}
			owner = cartsvc.SessionOwner(sessionID)
			token = minted
			w.Header().Set(middleware.CartTokenHeader, token)
		}

		view, err := svc.SetItem(r.Context(), owner, payload.VariantID, *payload.Quantity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCartResponse(view, token))
	}
}

// Clear empties the caller's open cart.
func Clear(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}

		owner := middleware.OwnerFromContext(r.Context())
		if err := owner.Validate(); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.Clear(r.Context(), owner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCartResponse(view, ""))
	}
}

// Token mints a fresh anonymous cart token.
func Token(jwtCfg config.JWTConfig, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := uuid.New()
		token, err := auth.MintCartToken(jwtCfg, time.Now().UTC(), sessionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint cart token"))
			return
		}
		w.Header().Set(middleware.CartTokenHeader, token)
		responses.WriteSuccessStatus(w, http.StatusCreated, tokenResponse{CartToken: token, SessionID: sessionID})
	}
}
