package auth

import "github.com/golang-jwt/jwt/v5"

// Principal is the authenticated account a token is bound to.
type Principal interface {
	Subject() string
	UserID() string
	Email() string
	DisplayName() string
	Roles() []string
}

// Claims is the JWT payload issued to the frontend.
type Claims struct {
	UserID string   `json:"uid,omitempty"`
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}
