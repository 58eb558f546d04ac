package api

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token body minted by the identity collaborator.
// Subject carries the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseAndValidateJWT verifies an HS256 access token and returns its claims.
func ParseAndValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	const op = "ParseAndValidateJWT"
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse token, err=%w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("[%s] Invalid token", op)
	}
	return claims, nil
}
