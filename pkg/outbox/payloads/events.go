package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Amounts travel as fixed two-decimal strings so consumers never see floats.

// OrderCreatedEvent is emitted once checkout commits an order.
type OrderCreatedEvent struct {
	OrderID     uuid.UUID  `json:"order_id"`
	CartID      uuid.UUID  `json:"cart_id"`
	OwnerUserID *uuid.UUID `json:"owner_user_id,omitempty"`
	PaymentID   uuid.UUID  `json:"payment_id"`
	Total       string     `json:"total"`
	Discount    string     `json:"discount"`
	FinalAmount string     `json:"final_amount"`
	Currency    string     `json:"currency"`
	ItemCount   int        `json:"item_count"`
}

// OrderPaidEvent is emitted when a gateway success signal settles an order.
type OrderPaidEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	FinalAmount string    `json:"final_amount"`
	Currency    string    `json:"currency"`
	PaidAt      time.Time `json:"paid_at"`
}

// OrderCancelledEvent covers gateway cancellations and payment timeouts.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	PaymentID   *uuid.UUID        `json:"payment_id,omitempty"`
	Status      enums.OrderStatus `json:"status"`
	Reason      string            `json:"reason"`
	CancelledAt time.Time         `json:"cancelled_at"`
}

// OrderStatusOverriddenEvent records an administrator override.
type OrderStatusOverriddenEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	From       enums.OrderStatus `json:"from"`
	To         enums.OrderStatus `json:"to"`
	AdminNote  string            `json:"admin_note,omitempty"`
	OverrideBy *uuid.UUID        `json:"override_by,omitempty"`
}

// PaymentNeedsReviewEvent flags an attempt a human must reconcile.
type PaymentNeedsReviewEvent struct {
	PaymentID         uuid.UUID `json:"payment_id"`
	OrderID           uuid.UUID `json:"order_id"`
	ProviderOrderCode string    `json:"provider_order_code,omitempty"`
	Note              string    `json:"note"`
}

// PaymentReplacedEvent is emitted when a stale attempt is swapped for a new link.
type PaymentReplacedEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	PreviousID    uuid.UUID `json:"previous_payment_id"`
	ReplacementID uuid.UUID `json:"replacement_payment_id"`
}

// CartRecoveredEvent is emitted when a stuck converting cart is unlocked.
type CartRecoveredEvent struct {
	CartID      uuid.UUID `json:"cart_id"`
	StuckSince  time.Time `json:"stuck_since"`
	RecoveredBy string    `json:"recovered_by"`
}
