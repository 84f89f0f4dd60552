package orders

import "github.com/angelmondragon/keymarket-backend/pkg/enums"

// DisplayStatus merges an order's intrinsic status with the status of the
// attempt representing it. Terminal intrinsic statuses always win. attempt may
// be nil when the order has no attempts.
func DisplayStatus(intrinsic enums.OrderStatus, attempt *enums.PaymentStatus) enums.OrderStatus {
	if intrinsic.IsTerminal() {
		return intrinsic
	}
	if attempt == nil {
		return enums.OrderStatusPendingPayment
	}
	switch {
	case attempt.IsPaidLike():
		return enums.OrderStatusPaid
	case *attempt == enums.PaymentStatusCancelled:
		return enums.OrderStatusCancelled
	case *attempt == enums.PaymentStatusTimeout:
		return enums.OrderStatusCancelledByTimeout
	case *attempt == enums.PaymentStatusNeedReview:
		return enums.OrderStatusNeedsManualAction
	case *attempt == enums.PaymentStatusRefunded:
		return enums.OrderStatusRefunded
	default:
		return enums.OrderStatusPendingPayment
	}
}
