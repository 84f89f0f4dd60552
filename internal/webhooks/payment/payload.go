package paymentwebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
)

// SuccessCode marks a successful payment at both levels of the payload.
const SuccessCode = "00"

// Payload is the gateway notification body.
type Payload struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data Data   `json:"data"`
}

// Data describes the payment the notification is about. Amount is in major
// units.
type Data struct {
	OrderCode     string           `json:"orderCode"`
	PaymentLinkID string           `json:"paymentLinkId"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reference     string           `json:"reference"`
	Code          string           `json:"code"`
	Desc          string           `json:"desc,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature header against body.
func Verify(body []byte, secret, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func decode(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	p.Data.OrderCode = strings.TrimSpace(p.Data.OrderCode)
	p.Data.PaymentLinkID = strings.TrimSpace(p.Data.PaymentLinkID)
	p.Data.Reference = strings.TrimSpace(p.Data.Reference)
	return &p, nil
}

// Succeeded reports whether both result codes are "00".
func (p Payload) Succeeded() bool {
	return p.Code == SuccessCode && p.Data.Code == SuccessCode
}

// deliveryID identifies one notification for redelivery detection. The same
// payment may legitimately report failure and then success, so the codes are
// part of it.
func (p Payload) deliveryID() string {
	subject := p.Data.OrderCode
	if subject == "" {
		subject = p.Data.PaymentLinkID
	}
	if subject == "" {
		subject = p.Data.Reference
	}
	if subject == "" {
		return ""
	}
	return subject + ":" + p.Code + ":" + p.Data.Code
}

func (p Payload) signal() payments.Signal {
	return payments.Signal{
		ProviderOrderCode: p.Data.OrderCode,
		PaymentLinkID:     p.Data.PaymentLinkID,
		OrderRef:          p.Data.Reference,
		Success:           p.Succeeded(),
		Amount:            p.Data.Amount,
	}
}
