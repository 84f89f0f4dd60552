package payments

import (
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Representative picks the attempt that speaks for an order: a paid-like
// attempt, else one in review, else a pending one, else the newest.
func Representative(attempts []models.Payment) *models.Payment {
	var best *models.Payment
	for i := range attempts {
		candidate := &attempts[i]
		if best == nil {
			best = candidate
			continue
		}
		cr, br := rank(candidate.Status), rank(best.Status)
		if cr > br || (cr == br && candidate.CreatedAt.After(best.CreatedAt)) {
			best = candidate
		}
	}
	return best
}

func rank(status enums.PaymentStatus) int {
	switch {
	case status.IsPaidLike():
		return 3
	case status == enums.PaymentStatusNeedReview:
		return 2
	case status == enums.PaymentStatusPending:
		return 1
	default:
		return 0
	}
}
