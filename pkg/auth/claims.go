package auth

import (
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenPayload captures the data available when minting an access token.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Role   enums.Role
	Email  string
	JTI    string
}

// AccessTokenClaims represents the typed JWT issued to signed-in users.
type AccessTokenClaims struct {
	UserID uuid.UUID  `json:"user_id"`
	Role   enums.Role `json:"role"`
	Email  string     `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// CartTokenClaims identifies an anonymous shopper session. The subject is the
// session id that owns the cart.
type CartTokenClaims struct {
	SessionID uuid.UUID `json:"sid"`
	jwt.RegisteredClaims
}
