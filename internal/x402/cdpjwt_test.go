package x402

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestNewCDPSigner_LoadsPEMKey(t *testing.T) {
	signer, err := NewCDPSigner("organizations/org/apiKeys/key-id", generateTestKeyPEM(t))
	require.NoError(t, err)
	require.NotNil(t, signer)
}

func TestNewCDPSigner_LoadsBase64Key(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	signer, err := NewCDPSigner("key-id", base64.StdEncoding.EncodeToString(der))
	require.NoError(t, err)
	require.NotNil(t, signer)
}

func TestNewCDPSigner_RejectsGarbageKey(t *testing.T) {
	_, err := NewCDPSigner("key-id", "not a key")
	require.Error(t, err)
}

func TestCDPSigner_AuthHeader_ProducesValidES256Claims(t *testing.T) {
	signer, err := NewCDPSigner("organizations/org/apiKeys/key-id", generateTestKeyPEM(t))
	require.NoError(t, err)

	tokenString, err := signer.AuthHeader(context.Background())
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(tokenString, &cdpClaims{}, func(token *jwt.Token) (interface{}, error) {
		require.Equal(t, "ES256", token.Method.Alg())
		return &signer.privateKey.PublicKey, nil
	})
	require.NoError(t, err)

	claims, ok := parsed.Claims.(*cdpClaims)
	require.True(t, ok)
	require.Equal(t, "organizations/org/apiKeys/key-id", claims.Subject)
	require.Equal(t, "cdp", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"cdp_service"}, claims.Audience)
	require.Equal(t, "organizations/org/apiKeys/key-id", parsed.Header["kid"])
}
