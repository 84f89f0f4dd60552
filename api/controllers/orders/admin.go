package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/api/middleware"
	"github.com/angelmondragon/keymarket-backend/api/responses"
	"github.com/angelmondragon/keymarket-backend/api/validators"
	internalorders "github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// ReviewResolver settles payments parked for review.
type ReviewResolver interface {
	ResolveReview(ctx context.Context, paymentID uuid.UUID, to enums.PaymentStatus, note string) (payments.Outcome, error)
}

type settleRequest struct {
	Status string `json:"status" validate:"required,oneof=paid cancelled"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

type overrideResponse struct {
	OrderID uuid.UUID `json:"orderId"`
	Status  string    `json:"status"`
}

type reviewResponse struct {
	PaymentID  uuid.UUID `json:"paymentId"`
	OrderID    uuid.UUID `json:"orderId"`
	Resolution string    `json:"resolution"`
	OrderMoved bool      `json:"orderMoved"`
}

// AdminList pages through every order.
func AdminList(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order service unavailable"))
			return
		}
		params, err := listParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.AdminList(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPageResponse(page))
	}
}

// AdminGet returns any order with its representative payment.
func AdminGet(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order service unavailable"))
			return
		}
		orderID, err := pathUUID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.AdminGet(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderResponse(detail))
	}
}

// OverrideStatus settles an order awaiting manual action.
func OverrideStatus(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := pathUUID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload settleRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID.String())
		}
		result, err := svc.OverrideStatus(ctx, actor, orderID, enums.OrderStatus(payload.Status), payload.Note)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithField(ctx, "status", string(result.Status)), "order.status_overridden")
		}
		responses.WriteSuccess(w, overrideResponse{OrderID: result.OrderID, Status: string(result.Status)})
	}
}

// ResolveReview settles a payment parked for review.
func ResolveReview(svc ReviewResolver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}
		paymentID, err := pathUUID(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload settleRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.ResolveReview(r.Context(), paymentID, enums.PaymentStatus(payload.Status), payload.Note)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, reviewResponse{
			PaymentID:  outcome.PaymentID,
			OrderID:    outcome.OrderID,
			Resolution: string(outcome.Resolution),
			OrderMoved: outcome.OrderMoved,
		})
	}
}

func actorFromRequest(r *http.Request) (internalorders.Actor, error) {
	userID, err := uuid.Parse(middleware.UserIDFromContext(r.Context()))
	if err != nil {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin identity missing")
	}
	return internalorders.Actor{UserID: userID, Role: enums.Role(middleware.RoleFromContext(r.Context()))}, nil
}
