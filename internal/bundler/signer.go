package bundler

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/permaweb/bundler-gateway/internal/kms"
)

// Signer produces the owner address and transaction signature post-bundle
// attaches to a posted bundle, mirroring the account-key envelope
// encryption handlers/auth.go uses for user signing keys: the posting
// wallet's private key is stored only as KMS ciphertext and decrypted
// in memory for the lifetime of a single Sign call.
type Signer struct {
	kmsClient       *kms.Client
	encryptedKeyHex string
	address         string
	publicKeyBytes  []byte
}

// NewSigner loads a posting wallet whose private key is stored as a
// KMS-encrypted hex string, deriving its address up front so callers
// never need to decrypt just to read Address.
func NewSigner(ctx context.Context, kmsClient *kms.Client, encryptedKeyHex string) (*Signer, error) {
	keyHex, err := kmsClient.Decrypt(ctx, encryptedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("bundler: decrypt posting wallet key: %w", err)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("bundler: parse posting wallet key: %w", err)
	}
	defer zero(key)

	return &Signer{
		kmsClient:       kmsClient,
		encryptedKeyHex: encryptedKeyHex,
		address:         crypto.PubkeyToAddress(key.PublicKey).Hex(),
		publicKeyBytes:  crypto.FromECDSAPub(&key.PublicKey),
	}, nil
}

// Address returns the posting wallet's owner address.
func (s *Signer) Address() string {
	return s.address
}

// PublicKeyBytes returns the posting wallet's uncompressed public key (65
// bytes: 0x04 prefix || X || Y), the ANS-104 ethereum/typedEthereum owner
// field shape ans104.OwnerAddress expects.
func (s *Signer) PublicKeyBytes() []byte {
	return s.publicKeyBytes
}

// Sign signs data with the posting wallet's private key, decrypting it
// from KMS for the duration of this call only.
func (s *Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	keyHex, err := s.kmsClient.Decrypt(ctx, s.encryptedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("bundler: decrypt posting wallet key: %w", err)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("bundler: parse posting wallet key: %w", err)
	}
	defer zero(key)

	sig, err := crypto.Sign(crypto.Keccak256(data), key)
	if err != nil {
		return nil, fmt.Errorf("bundler: sign: %w", err)
	}
	return sig, nil
}

func zero(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	b := key.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
