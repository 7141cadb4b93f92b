package api

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SignToken returns an HS256 token accepted by a shared secret Auth. It is
// meant for local setups, tooling and tests.
func SignToken(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	if username != "" {
		claims["username"] = username
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
