package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
)

// x402PayerTag names the tag IngestRawWithX402Payment attaches to the
// gateway-wrapped envelope recording who actually paid for the upload,
// since the envelope's cryptographic Owner is the posting wallet, not the
// payer (spec §4.2's raw-bytes route never asks the payer to hold an
// Arweave-style signing key).
const x402PayerTag = "x402-payer-address"

func rawStagingKey(paymentID uuid.UUID) string {
	return fmt.Sprintf("x402-raw-staging/%s", paymentID)
}

// IngestRawWithX402Payment accepts raw (not pre-signed) bytes paid for via
// an already-verified-and-settled x402 payment: it wraps the bytes in an
// ANS-104 envelope signed by the gateway's own posting wallet, recording
// the payer's address as a tag and as the data item's owner of record
// (upload.NewDataItem.OwnerPublicAddress), distinct from the envelope's
// cryptographic Owner. rec.WincAmount is trusted as the already-settled
// price; no ledger reservation is made since the x402 reservation already
// recorded in payment.DB covers this upload.
func (p *Pipeline) IngestRawWithX402Payment(ctx context.Context, body io.Reader, declaredSize int64, contentType string, rec *payment.X402Payment) (*Receipt, error) {
	if declaredSize > p.bundling.MaxSingleDataItemByteCount {
		return nil, apperror.New(apperror.KindTooLarge, fmt.Sprintf("data item of %d bytes exceeds the %d byte limit", declaredSize, p.bundling.MaxSingleDataItemByteCount))
	}

	stagingKey := rawStagingKey(rec.ID)
	digest := sha256.New()
	if err := p.objectStore.PutObject(ctx, stagingKey, io.TeeReader(body, digest), declaredSize, nil); err != nil {
		return nil, apperror.Wrap(apperror.KindUnavailable, "failed to stage upload", err)
	}
	defer func() { _ = p.objectStore.DeleteObject(ctx, stagingKey) }()

	header := &ans104.Header{
		SignatureType: ans104.SigTypedEthereum,
		Owner:         p.signer.PublicKeyBytes(),
		Tags: []ans104.Tag{
			{Name: "Content-Type", Value: contentType},
			{Name: x402PayerTag, Value: rec.PayerAddress},
		},
	}

	signature, err := p.signer.Sign(ctx, digest.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("ingest: sign raw upload envelope: %w", err)
	}
	header.Signature = signature
	header.ID = ans104.DeriveID(signature)

	headerBytes, err := ans104.EncodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode raw upload envelope header: %w", err)
	}
	header.PayloadStart = int64(len(headerBytes))

	payloadBody, _, err := p.objectStore.GetObject(ctx, stagingKey)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch staged upload: %w", err)
	}
	defer payloadBody.Close()

	envelope := io.MultiReader(bytes.NewReader(headerBytes), payloadBody)
	envelopeSize := header.PayloadStart + declaredSize

	return p.finishIngest(ctx, header, envelope, envelopeSize, rec.PayerAddress, rec.WincAmount)
}
