// Package auth issues and checks the JWT API keys that guard the daemon's
// operation lookup endpoint.
package auth

import (
	"errors"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "ap-wallet"
	JwtAlg = "HS256"

	AdminRole    = ApiRole("admin")
	ReadonlyRole = ApiRole("readonly")
)

var (
	ErrorUnAuthorized        = errors.New("unauthorized")
	ErrorInvalidToken        = errors.New("invalid bearer token")
	ErrorMalformedAuthHeader = errors.New("malformed auth header")
	ErrorMissingRole         = errors.New("api key has no usable role")
)

type ApiRole string

type APIClaim struct {
	jwt.RegisteredClaims
	Roles []ApiRole `json:"roles"`
}

// CanRead reports whether the key may look up operation records.
func (c *APIClaim) CanRead() bool {
	for _, r := range c.Roles {
		if r == AdminRole || r == ReadonlyRole {
			return true
		}
	}
	return false
}
