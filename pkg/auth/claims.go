package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the coarse access tier carried in a token. Owners manage their own
// subscription; admins manage the plan catalog and the sandbox webhook
// endpoint.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin:
		return true
	}
	return false
}

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID  uuid.UUID
	OwnerID uuid.UUID
	Role    Role
	JTI     string
}

// AccessTokenClaims represents the typed JWT issued to clients. OwnerID is
// the restaurant account the token acts for; billing routes scope every read
// and write to it.
type AccessTokenClaims struct {
	UserID  uuid.UUID `json:"user_id"`
	OwnerID uuid.UUID `json:"owner_id"`
	Role    Role      `json:"role"`
	jwt.RegisteredClaims
}
