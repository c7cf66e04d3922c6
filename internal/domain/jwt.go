package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims issued by the identity service and trusted here
type AccessClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}
