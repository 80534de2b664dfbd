package proposalclient

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceSubject identifies the contract service in tokens it mints.
const ServiceSubject = "contract-service"

// TokenSource mints a short-lived HS256 token per request. An empty secret yields no token.
func TokenSource(secret, issuer string, ttl time.Duration, now func() time.Time) func(context.Context) (string, error) {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return func(context.Context) (string, error) {
		if secret == "" {
			return "", nil
		}
		issued := now()
		claims := jwt.RegisteredClaims{
			Subject:   ServiceSubject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	}
}
