package enums

import "fmt"

// PaymentStatus tracks the lifecycle of a single payment attempt. Only pending
// is non-terminal.
type PaymentStatus string

const (
	PaymentStatusPending      PaymentStatus = "pending"
	PaymentStatusPaid         PaymentStatus = "paid"
	PaymentStatusCancelled    PaymentStatus = "cancelled"
	PaymentStatusTimeout      PaymentStatus = "timeout"
	PaymentStatusNeedReview   PaymentStatus = "need_review"
	PaymentStatusDupCancelled PaymentStatus = "dup_cancelled"
	PaymentStatusReplaced     PaymentStatus = "replaced"
	PaymentStatusRefunded     PaymentStatus = "refunded"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusCancelled,
	PaymentStatusTimeout,
	PaymentStatusNeedReview,
	PaymentStatusDupCancelled,
	PaymentStatusReplaced,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (s PaymentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known PaymentStatus.
func (s PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsPaidLike reports whether the attempt captured funds.
func (s PaymentStatus) IsPaidLike() bool {
	return s == PaymentStatusPaid
}

// IsTerminal reports whether the attempt can no longer change on its own.
func (s PaymentStatus) IsTerminal() bool {
	return s.IsValid() && s != PaymentStatusPending
}

// IsClosedUnpaid reports whether the attempt was closed by this system before
// any funds were captured. The gateway link may still be payable.
func (s PaymentStatus) IsClosedUnpaid() bool {
	switch s {
	case PaymentStatusCancelled, PaymentStatusTimeout, PaymentStatusReplaced, PaymentStatusDupCancelled:
		return true
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// PaymentTargetType names the aggregate a payment attempt pays for.
type PaymentTargetType string

const (
	PaymentTargetOrder PaymentTargetType = "order"
)
