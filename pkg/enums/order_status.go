package enums

import "fmt"

// OrderStatus is the intrinsic status stored on an order. The same values are
// reused for the derived display status.
type OrderStatus string

const (
	OrderStatusPendingPayment     OrderStatus = "pending_payment"
	OrderStatusPaid               OrderStatus = "paid"
	OrderStatusCancelled          OrderStatus = "cancelled"
	OrderStatusCancelledByTimeout OrderStatus = "cancelled_by_timeout"
	OrderStatusNeedsManualAction  OrderStatus = "needs_manual_action"
	OrderStatusRefunded           OrderStatus = "refunded"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusPaid,
	OrderStatusCancelled,
	OrderStatusCancelledByTimeout,
	OrderStatusNeedsManualAction,
	OrderStatusRefunded,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the order has left pending_payment.
func (s OrderStatus) IsTerminal() bool {
	return s.IsValid() && s != OrderStatusPendingPayment
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
