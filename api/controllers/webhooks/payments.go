package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/keymarket-backend/api/responses"
	paymentwebhook "github.com/angelmondragon/keymarket-backend/internal/webhooks/payment"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Gateway-Signature"

const maxBodyBytes = 1 << 20

type PaymentWebhookService interface {
	Handle(ctx context.Context, body []byte, signature string) (paymentwebhook.Ack, error)
}

// PaymentWebhook receives gateway payment signals. Every payload the service
// could judge is acknowledged with 200, rejected ones included, so the
// gateway stops redelivering. Internal failures answer with an error status
// so it retries.
func PaymentWebhook(svc PaymentWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		ack, err := svc.Handle(ctx, payload, r.Header.Get(SignatureHeader))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, ack)
	}
}
