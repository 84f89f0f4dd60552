package cart

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

// Owner identifies whose cart is addressed: a registered user, or an anonymous
// session carried by an explicit cart token.
type Owner struct {
	UserID    *uuid.UUID
	SessionID *uuid.UUID
}

// UserOwner builds an owner for a signed-in user.
func UserOwner(id uuid.UUID) Owner {
	return Owner{UserID: &id}
}

// SessionOwner builds an owner for an anonymous session.
func SessionOwner(id uuid.UUID) Owner {
	return Owner{SessionID: &id}
}

// Validate requires exactly one identity.
func (o Owner) Validate() error {
	hasUser := o.UserID != nil && *o.UserID != uuid.Nil
	hasSession := o.SessionID != nil && *o.SessionID != uuid.Nil
	switch {
	case hasUser && hasSession:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "cart owner is ambiguous")
	case hasUser, hasSession:
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "cart owner could not be resolved")
	}
}

// IsRegistered reports whether the owner is a signed-in user.
func (o Owner) IsRegistered() bool {
	return o.UserID != nil && *o.UserID != uuid.Nil
}

func (o Owner) scope(q *gorm.DB) *gorm.DB {
	if o.IsRegistered() {
		return q.Where("owner_user_id = ?", *o.UserID)
	}
	return q.Where("owner_user_id IS NULL AND session_id = ?", *o.SessionID)
}
