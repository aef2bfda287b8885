// Package kms wraps AWS KMS envelope encryption for private key material
// at rest: the bundle lifecycle's posting-wallet key (bundler.Signer) is
// stored encrypted and only ever decrypted in memory.
package kms

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Client wraps an AWS KMS symmetric key for encrypt/decrypt of small
// secrets (private key hex strings), never for the key material itself
// to leave KMS's FIPS boundary as plaintext on disk.
type Client struct {
	sdk   *kms.Client
	keyID string
}

// New builds a Client against the given region and customer master key.
func New(ctx context.Context, region, keyID string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	return &Client{sdk: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

// KeyID returns the customer master key id this client encrypts under.
func (c *Client) KeyID() string {
	return c.keyID
}

// Encrypt envelope-encrypts plaintext under the client's key, returning a
// base64-encoded ciphertext blob suitable for storage.
func (c *Client) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := c.sdk.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt reverses Encrypt, returning the original plaintext string.
func (c *Client) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	out, err := c.sdk.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(c.keyID),
		CiphertextBlob: blob,
	})
	if err != nil {
		return "", fmt.Errorf("kms: decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}
