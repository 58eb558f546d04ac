package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndValidateJWT(t *testing.T) {
	secret := []byte("another-secret")
	subject := uuid.NewString()

	sign := func(t *testing.T, claims Claims, key []byte) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, Claims{
			Username: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, secret)

		claims, err := ParseAndValidateJWT(token, secret)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
		assert.Equal(t, subject, claims.Subject)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := sign(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, []byte("forged"))

		_, err := ParseAndValidateJWT(token, secret)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}, secret)

		_, err := ParseAndValidateJWT(token, secret)
		assert.Error(t, err)
	})

	t.Run("not a token", func(t *testing.T) {
		_, err := ParseAndValidateJWT("definitely.not.jwt", secret)
		assert.Error(t, err)
	})
}
