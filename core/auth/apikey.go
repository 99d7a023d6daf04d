package auth

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// CreateAPIKey signs a long lived key for subject carrying roles.
func CreateAPIKey(secret []byte, subject string, roles []ApiRole, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	if subject == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}
	if len(roles) < 1 {
		return "", fmt.Errorf("at least one role is required")
	}

	claims := &APIClaim{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			Subject:   subject,
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAuthHeader checks an "Authorization: Bearer <jwt>" value and
// returns the key's claims when it may read operations.
func VerifyAuthHeader(secret []byte, authHeader string) (*APIClaim, error) {
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || scheme != "Bearer" || token == "" {
		return nil, ErrorMalformedAuthHeader
	}

	claims := &APIClaim{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{JwtAlg}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrorInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrorInvalidToken)
	}
	if !claims.CanRead() {
		return nil, ErrorMissingRole
	}
	return claims, nil
}
