// Package x402 implements the x402 HTTP payment protocol: 402 price quotes,
// EIP-712/EIP-3009 signature verification, and facilitator-mediated
// settlement (spec §4.2). Generalized from the teacher's
// internal/wallet/x402.go (which signs payments, client-side) into a
// server-side verifier/settler, since the bundler gateway is the payee, not
// the payer.
package x402

// EIP3009Authorization is the on-chain TransferWithAuthorization message a
// payer signs, identical in shape to the teacher's
// wallet.EIP3009Authorization.
type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// X402Payload is the decoded `X-PAYMENT` header payload spec.md §4.2
// describes, generalizing the teacher's wallet.X402Payload with the
// explicit EIP3009Authorization the v1 envelope carries instead of a flat
// amount/nonce pair.
type X402Payload struct {
	Network       string               `json:"network"`
	Scheme        string               `json:"scheme"`
	Payer         string               `json:"payer"`
	TokenAddress  string               `json:"tokenAddress"`
	Authorization EIP3009Authorization `json:"authorization"`
	Signature     string               `json:"signature"`
}

// Accept is one entry in a 402 response's `accepts` array (spec §4.2).
type Accept struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra"`
}

// PaymentRequirements is the full 402 response body.
type PaymentRequirements struct {
	X402Version int      `json:"x402Version"`
	Accepts     []Accept `json:"accepts"`
}

// FacilitatorPaymentPayload is the `paymentPayload` object the v1
// facilitator envelope expects, mirroring the teacher's PaymentPayloadV2
// but without the legacy v2 `accepted` duplication.
type FacilitatorPaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     map[string]any `json:"payload"`
}

// FacilitatorRequirements mirrors one Accept entry, reused as the
// `paymentRequirements` object the facilitator's /verify and /settle
// endpoints expect alongside the payload.
type FacilitatorRequirements = Accept

// FacilitatorRequest is the body posted to `<facilitator>/verify` and
// `<facilitator>/settle`.
type FacilitatorRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      FacilitatorPaymentPayload `json:"paymentPayload"`
	PaymentRequirements FacilitatorRequirements   `json:"paymentRequirements"`
}

// FacilitatorResponse is the facilitator's reply to both /verify and
// /settle; /verify leaves TxHash empty, /settle populates it once the
// authorization has been submitted on-chain.
type FacilitatorResponse struct {
	IsValid      bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	Network      string `json:"network,omitempty"`
}
