package x402

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DomainParams are the EIP-712 domain fields for the USDC contract being
// paid against, which vary per network (chainId, verifying contract) and
// per token version (the teacher hardcodes "USD Coin"/"2"; spec §9 requires
// reading `extra.version` from the facilitator's own quote instead).
type DomainParams struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// VerifyEIP3009Signature recovers the signer of an EIP-3009
// TransferWithAuthorization message and checks it against expectedPayer.
// Lifted directly from the teacher's wallet.VerifyPaymentSignature, with
// the EIP-712 domain now a parameter instead of a hardcoded "USD Coin"/"2"
// pair, since the bundler gateway verifies payments across several
// networks and USDC contract versions.
func VerifyEIP3009Signature(domain DomainParams, auth EIP3009Authorization, payer, signatureHex string) error {
	amount := new(big.Int)
	if _, ok := amount.SetString(auth.Value, 10); !ok {
		return fmt.Errorf("x402: invalid authorization value %q", auth.Value)
	}
	validAfter := new(big.Int)
	if _, ok := validAfter.SetString(auth.ValidAfter, 10); !ok {
		return fmt.Errorf("x402: invalid validAfter %q", auth.ValidAfter)
	}
	validBefore := new(big.Int)
	if _, ok := validBefore.SetString(auth.ValidBefore, 10); !ok {
		return fmt.Errorf("x402: invalid validBefore %q", auth.ValidBefore)
	}

	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return fmt.Errorf("x402: nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(amount),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       hexutil.Encode(nonceBytes),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return fmt.Errorf("x402: hash typed data: %w", err)
	}

	sigBytes := common.FromHex(signatureHex)
	if len(sigBytes) != 65 {
		return fmt.Errorf("x402: invalid signature length: got %d, want 65", len(sigBytes))
	}

	sigForRecovery := make([]byte, 65)
	copy(sigForRecovery, sigBytes)
	if sigForRecovery[64] >= 27 {
		sigForRecovery[64] -= 27
	}

	recoveredPubKey, err := crypto.SigToPub(hash, sigForRecovery)
	if err != nil {
		return fmt.Errorf("x402: recover public key: %w", err)
	}

	recoveredAddr := crypto.PubkeyToAddress(*recoveredPubKey)
	expectedAddr := common.HexToAddress(payer)
	if recoveredAddr != expectedAddr {
		return fmt.Errorf("x402: signature mismatch: recovered %s, expected %s", recoveredAddr.Hex(), expectedAddr.Hex())
	}

	return nil
}
