package x402

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

var testDomain = DomainParams{
	Name:              "USD Coin",
	Version:           "2",
	ChainID:           84532,
	VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

func signAuthorization(t *testing.T, domain DomainParams, auth EIP3009Authorization) (*common.Address, string) {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(privateKey.PublicKey)
	auth.From = addr.Hex()

	value, ok := new(big.Int).SetString(auth.Value, 10)
	require.True(t, ok)
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	require.True(t, ok)
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	require.True(t, ok)
	nonce := common.FromHex(auth.Nonce)

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
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       hexutil.Encode(nonce),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	require.NoError(t, err)

	sig, err := crypto.Sign(hash, privateKey)
	require.NoError(t, err)
	sig[64] += 27

	return &addr, hexutil.Encode(sig)
}

func TestVerifyEIP3009Signature_Valid(t *testing.T) {
	auth := EIP3009Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0xabcdef0011223344556677889900112233445566778899001122334455667788",
	}
	addr, sig := signAuthorization(t, testDomain, auth)
	auth.From = addr.Hex()

	err := VerifyEIP3009Signature(testDomain, auth, addr.Hex(), sig)
	require.NoError(t, err)
}

func TestVerifyEIP3009Signature_WrongPayerFails(t *testing.T) {
	auth := EIP3009Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0xabcdef0011223344556677889900112233445566778899001122334455667788",
	}
	addr, sig := signAuthorization(t, testDomain, auth)
	auth.From = addr.Hex()

	err := VerifyEIP3009Signature(testDomain, auth, "0x9999999999999999999999999999999999999999", sig)
	require.Error(t, err)
}

func TestVerifyEIP3009Signature_WrongDomainFails(t *testing.T) {
	auth := EIP3009Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0xabcdef0011223344556677889900112233445566778899001122334455667788",
	}
	addr, sig := signAuthorization(t, testDomain, auth)
	auth.From = addr.Hex()

	otherDomain := testDomain
	otherDomain.ChainID = 8453

	err := VerifyEIP3009Signature(otherDomain, auth, addr.Hex(), sig)
	require.Error(t, err)
}

func TestVerifyEIP3009Signature_RejectsShortNonce(t *testing.T) {
	auth := EIP3009Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0xabcd",
	}
	err := VerifyEIP3009Signature(testDomain, auth, auth.From, "0xdeadbeef")
	require.Error(t, err)
}
