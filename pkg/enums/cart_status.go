package enums

import "fmt"

// CartStatus tracks where a cart sits in the claim state machine.
type CartStatus string

const (
	CartStatusActive     CartStatus = "active"
	CartStatusConverting CartStatus = "converting"
	CartStatusConverted  CartStatus = "converted"
	CartStatusExpired    CartStatus = "expired"
)

var validCartStatuses = []CartStatus{
	CartStatusActive,
	CartStatusConverting,
	CartStatusConverted,
	CartStatusExpired,
}

// String implements fmt.Stringer.
func (c CartStatus) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CartStatus.
func (c CartStatus) IsValid() bool {
	for _, candidate := range validCartStatuses {
		if candidate == c {
			return true
		}
	}
	return false
}

// IsOpen reports whether the cart still counts as the owner's current cart.
func (c CartStatus) IsOpen() bool {
	return c == CartStatusActive || c == CartStatusConverting
}

// ParseCartStatus converts raw input into a CartStatus.
func ParseCartStatus(value string) (CartStatus, error) {
	for _, candidate := range validCartStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cart status %q", value)
}
