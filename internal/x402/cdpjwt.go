package x402

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cdpClaims is the CDP-hosted-facilitator bearer claim set from Design
// Notes §9, generalizing the teacher's JWTClaims/generateAccessToken
// pattern (internal/handlers/auth.go) from HS256 + a stronghold-api
// issuer/audience to ES256 + CDP's {iss: "cdp", aud: ["cdp_service"]}.
type cdpClaims struct {
	jwt.RegisteredClaims
}

// CDPSigner builds short-lived ES256 bearer tokens for calls to a
// CDP-hosted x402 facilitator.
type CDPSigner struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
	ttl        time.Duration
}

// NewCDPSigner loads an ECDSA private key from either raw base64-encoded
// PKCS8 DER or PEM (Design Notes §9 names both accepted encodings, since
// the CDP console exports keys as PEM but some deployment pipelines prefer
// passing secrets as a single base64 env var).
func NewCDPSigner(keyID, keyMaterial string) (*CDPSigner, error) {
	key, err := parseECDSAKey(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("x402: load CDP signing key: %w", err)
	}
	return &CDPSigner{keyID: keyID, privateKey: key, ttl: 2 * time.Minute}, nil
}

// AuthHeader mints a fresh bearer token, intended to be passed as
// FacilitatorClient's authHeader callback.
func (s *CDPSigner) AuthHeader(_ context.Context) (string, error) {
	now := time.Now().UTC()
	claims := cdpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.keyID,
			Issuer:    "cdp",
			Audience:  jwt.ClaimStrings{"cdp_service"},
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("x402: sign CDP bearer token: %w", err)
	}
	return signed, nil
}

func parseECDSAKey(material string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(material))
	var der []byte
	if block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("key is neither valid PEM nor base64: %w", err)
		}
		der = decoded
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an ECDSA private key")
	}
	return ecKey, nil
}
