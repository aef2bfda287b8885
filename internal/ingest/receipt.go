package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// receiptVersion is the wire version every receipt declares (spec §4.1).
const receiptVersion = "0.2.0"

// Receipt is the signed acknowledgement returned for every accepted
// upload, binding the data item id, its assessed cost and the deadline
// height it must be seeded by to the gateway's signature over the whole
// body.
type Receipt struct {
	ID                  string         `json:"id"`
	Timestamp           int64          `json:"timestamp"`
	Version             string         `json:"version"`
	DeadlineHeight      int64          `json:"deadlineHeight"`
	DataCaches          []string       `json:"dataCaches"`
	FastFinalityIndexes []string       `json:"fastFinalityIndexes"`
	Winc                winston.Amount `json:"winc"`
	Owner               string         `json:"owner"`
	Signature           string         `json:"signature"`
}

// signingBytes returns the deterministic byte string a receipt's
// signature binds, every field of the unsigned receipt in a fixed order,
// the same "JSON body minus the signature field, re-marshaled
// deterministically" shape the teacher's handlers use for webhook
// signing in internal/handlers/stripe_webhook.go.
func signingBytes(id string, timestamp int64, deadlineHeight int64, winc winston.Amount, owner string) ([]byte, error) {
	unsigned := struct {
		ID                  string         `json:"id"`
		Timestamp           int64          `json:"timestamp"`
		Version             string         `json:"version"`
		DeadlineHeight      int64          `json:"deadlineHeight"`
		DataCaches          []string       `json:"dataCaches"`
		FastFinalityIndexes []string       `json:"fastFinalityIndexes"`
		Winc                winston.Amount `json:"winc"`
		Owner               string         `json:"owner"`
	}{ID: id, Timestamp: timestamp, Version: receiptVersion, DeadlineHeight: deadlineHeight,
		DataCaches: []string{}, FastFinalityIndexes: []string{}, Winc: winc, Owner: owner}

	return json.Marshal(unsigned)
}

// buildReceipt signs and returns a Receipt for a just-ingested data item.
// DataCaches and FastFinalityIndexes are left empty here: this gateway has
// exactly one authoritative object store and no fast-finality index peers
// to advertise, unlike the upstream services spec.md's receipt shape was
// modeled on.
func (p *Pipeline) buildReceipt(ctx context.Context, header *ans104.Header, cost winston.Amount, deadline int64) (*Receipt, error) {
	timestamp := time.Now().UnixMilli()

	body, err := signingBytes(header.ID, timestamp, deadline, cost, p.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal receipt body: %w", err)
	}
	digest := sha256.Sum256(body)

	signature, err := p.signer.Sign(ctx, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ingest: sign receipt: %w", err)
	}

	return &Receipt{
		ID:                  header.ID,
		Timestamp:           timestamp,
		Version:             receiptVersion,
		DeadlineHeight:      deadline,
		DataCaches:          []string{},
		FastFinalityIndexes: []string{},
		Winc:                cost,
		Owner:               p.signer.Address(),
		Signature:           base64.RawURLEncoding.EncodeToString(signature),
	}, nil
}
