package bundler

import (
	"github.com/permaweb/bundler-gateway/internal/ans104"
)

// buildEnvelope assembles a minimal, valid ANS-104 envelope (Ethereum
// signature type, fixed lengths) carrying payload as its body, returning
// both the full encoded bytes and the derived data item id.
func buildEnvelope(payload []byte, tags []ans104.Tag) ([]byte, string) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	owner := make([]byte, 65)
	for i := range owner {
		owner[i] = byte(i + 2)
	}

	header := &ans104.Header{
		SignatureType: ans104.SigEthereum,
		Signature:     sig,
		Owner:         owner,
		Tags:          tags,
	}

	encoded, err := ans104.EncodeHeader(header)
	if err != nil {
		panic(err)
	}
	id := ans104.DeriveID(sig)
	return append(encoded, payload...), id
}
