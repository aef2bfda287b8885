package ans104

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// OwnerAddress derives the human-facing owner address from the owner
// pubkey bytes, per sig type. Arweave/Kyve addresses are the url-safe
// base64 SHA-256 digest of the raw owner bytes (the RSA modulus for
// Arweave); Ethereum derives the
// familiar 20-byte keccak address; Solana (and the aptos variants, which
// share ed25519 key material at the byte level) use base58 of the raw key.
func OwnerAddress(t SignatureType, owner []byte) (string, error) {
	switch t {
	case SigArweave, SigKyve:
		sum := sha256.Sum256(owner)
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case SigEthereum, SigTypedEthereum:
		if len(owner) < 64 {
			return "", fmt.Errorf("ans104: ethereum owner too short (%d bytes)", len(owner))
		}
		// owner carries an uncompressed pubkey prefix byte followed by the
		// 64-byte X||Y point; crypto.Keccak256 over X||Y yields the address.
		pub := owner
		if len(pub) == 65 {
			pub = pub[1:]
		}
		addr := crypto.Keccak256(pub)[12:]
		return fmt.Sprintf("0x%x", addr), nil
	case SigSolana, SigED25519, SigInjectedAptos, SigMultiAptos:
		return base58.Encode(owner), nil
	default:
		return "", fmt.Errorf("ans104: no address derivation for sig type %d", t)
	}
}
