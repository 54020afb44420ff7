package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims() *Claims {
	return &Claims{
		Roles: []string{"billing_admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Issuer:    "identity-service",
			Audience:  jwt.ClaimStrings{"billing-admin"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifier_Verify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := NewVerifier(&key.PublicKey, "identity-service", "billing-admin")

	t.Run("valid", func(t *testing.T) {
		claims, err := v.Verify(signToken(t, key, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "operator-1", claims.Subject)
		assert.True(t, claims.HasRole("billing_admin"))
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := v.Verify(signToken(t, other, validClaims()))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims()
		c.Issuer = "someone-else"
		_, err := v.Verify(signToken(t, key, c))
		assert.ErrorContains(t, err, "invalid issuer")
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := validClaims()
		c.Audience = jwt.ClaimStrings{"other"}
		_, err := v.Verify(signToken(t, key, c))
		assert.ErrorContains(t, err, "invalid audience")
	})

	t.Run("expired", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.Verify(signToken(t, key, c))
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = nil
		_, err := v.Verify(signToken(t, key, c))
		assert.Error(t, err)
	})
}

func TestLoadVerifier_FromPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := LoadVerifier(Config{PubPath: path, Issuer: "identity-service", Audience: "billing-admin"})
	require.NoError(t, err)

	_, err = v.Verify(signToken(t, key, validClaims()))
	assert.NoError(t, err)

	_, err = LoadVerifier(Config{PubPath: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}
