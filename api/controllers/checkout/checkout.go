package checkout

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/api/middleware"
	"github.com/angelmondragon/keymarket-backend/api/responses"
	"github.com/angelmondragon/keymarket-backend/api/validators"
	checkoutsvc "github.com/angelmondragon/keymarket-backend/internal/checkout"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// Checkout converts the caller's cart into an order and opens a payment
// attempt. A cart that already converted replays its order.
func Checkout(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		owner := middleware.OwnerFromContext(r.Context())
		if err := owner.Validate(); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkoutRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		result, err := svc.Checkout(r.Context(), owner, checkoutsvc.Input{
			Email:        payload.BuyerEmail,
			AccountEmail: middleware.EmailFromContext(r.Context()),
			Name:         payload.BuyerName,
			Phone:        payload.BuyerPhone,
			ReturnURL:    payload.ReturnURL,
			CancelURL:    payload.CancelURL,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newCheckoutResponse(result))
	}
}

type checkoutRequest struct {
	BuyerEmail string `json:"buyerEmail,omitempty" validate:"omitempty,email,max=254"`
	BuyerName  string `json:"buyerName,omitempty" validate:"omitempty,max=120"`
	BuyerPhone string `json:"buyerPhone,omitempty" validate:"omitempty,max=32"`
	ReturnURL  string `json:"returnUrl,omitempty" validate:"omitempty,url"`
	CancelURL  string `json:"cancelUrl,omitempty" validate:"omitempty,url"`
}

type checkoutResponse struct {
	OrderID       uuid.UUID `json:"orderId"`
	PaymentID     uuid.UUID `json:"paymentId"`
	CheckoutURL   string    `json:"checkoutUrl"`
	PaymentLinkID string    `json:"paymentLinkId,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Status        string    `json:"status"`
	Replayed      bool      `json:"replayed"`
}

func newCheckoutResponse(result *checkoutsvc.Result) checkoutResponse {
	if result == nil {
		return checkoutResponse{}
	}
	return checkoutResponse{
		OrderID:       result.OrderID,
		PaymentID:     result.PaymentID,
		CheckoutURL:   result.CheckoutURL,
		PaymentLinkID: result.PaymentLinkID,
		ExpiresAt:     result.ExpiresAt,
		Status:        string(result.Status),
		Replayed:      result.Replayed,
	}
}
