package enums

// ReservationStatus tracks a time-bounded stock hold for one order line.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusFinalized ReservationStatus = "finalized"
	ReservationStatusReleased  ReservationStatus = "released"
)

func (s ReservationStatus) String() string {
	return string(s)
}

func (s ReservationStatus) IsValid() bool {
	switch s {
	case ReservationStatusActive, ReservationStatusFinalized, ReservationStatusReleased:
		return true
	default:
		return false
	}
}
