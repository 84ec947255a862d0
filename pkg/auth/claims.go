package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenClaims are the JWT claims the external identity provider issues
// for portal users. This service only verifies them; it never mints tokens
// outside of tests and local tooling.
type AccessTokenClaims struct {
	UserID uuid.UUID `json:"uid"`
	jwt.RegisteredClaims
}

// AccessTokenPayload captures the data a signed token carries.
type AccessTokenPayload struct {
	UserID uuid.UUID
	JTI    string
}
