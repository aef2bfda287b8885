// Package ingest implements the upload-acceptance pipeline from spec §4.1:
// streaming ANS-104 envelope parsing, the free/reserved balance branch,
// fan-out writes to the object store (authoritative), the backup
// filesystem mirror and the hot cache, and the new_data_items insert that
// hands a data item off to the bundle-planning stage.
//
// Generalized from the teacher's AtomicPayment reserve/commit middleware
// (internal/middleware/x402.go): that middleware tracks a payment through
// reserve -> verify -> settle state transitions and rolls back on any
// failure; IngestSigned tracks a data item through parse -> reserve ->
// store -> record the same way, releasing the reservation if a later step
// fails.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/backupfs"
	"github.com/permaweb/bundler-gateway/internal/bundler"
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/hotcache"
	"github.com/permaweb/bundler-gateway/internal/ledger"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
	"github.com/permaweb/bundler-gateway/internal/queue"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// BalanceLedger is the subset of *ledger.Ledger the ingest pipeline needs,
// accepted as an interface so a deployment that runs upload and payment as
// separate processes can satisfy it with an internal-HTTP-client adapter
// instead (spec §4.4: "secured by a shared bearer secret between
// services"), without the pipeline knowing which transport it's talking
// over.
type BalanceLedger interface {
	IsFreeUpload(address string, byteCount int64) bool
	CheckBalanceForData(ctx context.Context, address, addressType string, byteCount int64, sigType ans104.SignatureType) (*ledger.BalanceCheck, error)
	ReserveBalanceForData(ctx context.Context, dataItemID, address, addressType string, byteCount int64, sigType ans104.SignatureType) (*ledger.ReservationResult, error)
	FinalizeReservation(ctx context.Context, dataItemID string, finalCost *winston.Amount) (ledger.FinalizationStatus, error)
}

// ReceiptSigner signs the bytes a receipt binds and, for the raw-bytes
// x402 ingestion path, wraps payer bytes in a gateway-owned ANS-104
// envelope, satisfied by *bundler.Signer.
type ReceiptSigner interface {
	Address() string
	PublicKeyBytes() []byte
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Pipeline wires the ingest-time collaborators together: the data-item
// bookkeeping database, the three storage layers, the durable queue, the
// credit ledger, the receipt signer and the pricing/bundling knobs that
// bound a single upload.
type Pipeline struct {
	db          *upload.DB
	objectStore objectstore.Store
	backup      *backupfs.Mirror
	cache       *hotcache.Cache
	queue       queue.Backend
	ledger      BalanceLedger
	signer      ReceiptSigner
	gw          gateway.Client
	pricing     config.PricingConfig
	bundling    config.BundlingConfig
}

// New builds a Pipeline.
func New(db *upload.DB, store objectstore.Store, backup *backupfs.Mirror, cache *hotcache.Cache, q queue.Backend, l BalanceLedger, signer ReceiptSigner, gw gateway.Client, pricing config.PricingConfig, bundling config.BundlingConfig) *Pipeline {
	return &Pipeline{db: db, objectStore: store, backup: backup, cache: cache, queue: q, ledger: l, signer: signer, gw: gw, pricing: pricing, bundling: bundling}
}

// deadlineHeight returns the block height by which a just-accepted data
// item must be seeded on-chain, the gateway's current tip plus the
// configured lead time. Falls back to 0 (never past-due) if the gateway
// is unreachable, matching spec §4.1's degrade-ingest-availability-not-
// correctness stance on a transient gateway outage.
func (p *Pipeline) deadlineHeight(ctx context.Context) int64 {
	height, err := p.gw.BlockHeight(ctx)
	if err != nil {
		slog.Warn("ingest: fetch block height for deadline", "error", err)
		return 0
	}
	return height + p.bundling.DeadlineHeightIncrement
}

// dataItemObjectKey is the object-store key the bundle-prepare and
// unbundle-BDI stages read a raw data item envelope back from. Testable
// property 5 binds this exact key: a successful POST /v1/tx response
// implies a 200 HEAD here.
func dataItemObjectKey(dataItemID string) string {
	return fmt.Sprintf("raw-data-item/%s", dataItemID)
}

// errOversize marks a countingReader abort so IngestSigned can tell it
// apart from a genuine envelope-decode error.
var errOversize = fmt.Errorf("ingest: data item exceeds size limit")

// IngestSigned accepts an already-signed ANS-104 data item, streamed from
// body without ever buffering the full envelope in memory. declaredSize is
// the envelope's Content-Length, required so the object store write and
// the oversize guard both have a byte count to work against up front.
func (p *Pipeline) IngestSigned(ctx context.Context, body io.Reader, declaredSize int64) (*Receipt, error) {
	if declaredSize > p.bundling.MaxSingleDataItemByteCount {
		return nil, apperror.New(apperror.KindTooLarge, fmt.Sprintf("data item of %d bytes exceeds the %d byte limit", declaredSize, p.bundling.MaxSingleDataItemByteCount))
	}

	counted := &countingReader{r: body, limit: p.bundling.MaxSingleDataItemByteCount}
	header, payload, err := ans104.DecodeHeaderStream(counted)
	if err != nil {
		if err == errOversize {
			return nil, apperror.New(apperror.KindTooLarge, "data item exceeds the configured size limit")
		}
		return nil, apperror.Wrap(apperror.KindInvalidInput, "invalid ANS-104 envelope", err)
	}

	ownerAddress, err := ans104.OwnerAddress(header.SignatureType, header.Owner)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidInput, "cannot derive owner address", err)
	}
	if _, blocked := p.pricing.BlocklistedAddresses[ownerAddress]; blocked {
		return nil, apperror.New(apperror.KindForbidden, "owner address is blocklisted")
	}

	payloadByteCount := declaredSize - header.PayloadStart
	addrType := ans104.Name(header.SignatureType)

	assessedCost := winston.Zero()
	reserved := false
	if !p.ledger.IsFreeUpload(ownerAddress, payloadByteCount) {
		result, err := p.ledger.ReserveBalanceForData(ctx, header.ID, ownerAddress, addrType, payloadByteCount, header.SignatureType)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindPaymentRequired, "insufficient balance for upload", err)
		}
		assessedCost = result.CostOfDataItem
		reserved = true
	}

	receipt, err := p.finishIngest(ctx, header, payload, declaredSize, ownerAddress, assessedCost)
	if err != nil {
		if reserved {
			p.releaseReservation(ctx, header.ID)
		}
		return nil, err
	}
	return receipt, nil
}

func (p *Pipeline) releaseReservation(ctx context.Context, dataItemID string) {
	if _, err := p.ledger.FinalizeReservation(ctx, dataItemID, nil); err != nil {
		slog.Error("ingest: release reservation after failed ingest", "data_item_id", dataItemID, "error", err)
	}
}

// finishIngest runs the storage-and-bookkeeping tail shared by every
// ingestion route once a price has been settled, however that price was
// arrived at: stream the envelope into the object store (and the
// best-effort mirror/cache), record the data item under ownerAddress and
// enqueue it for bundling, then sign and return its receipt.
func (p *Pipeline) finishIngest(ctx context.Context, header *ans104.Header, payload io.Reader, declaredSize int64, ownerAddress string, cost winston.Amount) (*Receipt, error) {
	if err := p.writeEnvelope(ctx, header, payload, declaredSize); err != nil {
		return nil, apperror.Wrap(apperror.KindUnavailable, "failed to persist data item", err)
	}

	deadline := p.deadlineHeight(ctx)
	if err := p.recordAndEnqueue(ctx, header, ownerAddress, declaredSize-header.PayloadStart, cost, deadline); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "failed to record data item", err)
	}

	return p.buildReceipt(ctx, header, cost, deadline)
}

func (p *Pipeline) recordAndEnqueue(ctx context.Context, header *ans104.Header, ownerAddress string, payloadByteCount int64, cost winston.Amount, deadlineHeight int64) error {
	if err := p.db.InsertNewDataItem(ctx, upload.NewDataItem{
		DataItemID:           header.ID,
		OwnerPublicAddress:   ownerAddress,
		ByteCount:            payloadByteCount,
		AssessedWinstonPrice: cost,
		PayloadDataStart:     header.PayloadStart,
		PayloadContentType:   contentTypeTag(header.Tags),
		DeadlineHeight:       deadlineHeight,
		Signature:            header.Signature,
	}); err != nil {
		return fmt.Errorf("ingest: insert new data item: %w", err)
	}

	if err := p.queue.Enqueue(ctx, bundler.QueueNewDataItem, []byte(header.ID)); err != nil {
		return fmt.Errorf("ingest: enqueue new-data-item: %w", err)
	}
	if err := p.queue.Enqueue(ctx, bundler.QueueOpticalPost, []byte(header.ID)); err != nil {
		return fmt.Errorf("ingest: enqueue optical-post: %w", err)
	}
	return nil
}

func contentTypeTag(tags []ans104.Tag) string {
	for _, t := range tags {
		if t.Name == "Content-Type" {
			return t.Value
		}
	}
	return "application/octet-stream"
}

// countingReader enforces one size ceiling, limit, while streaming,
// returning errOversize the moment it is crossed instead of reading to EOF
// first. It checks no other bound.
type countingReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, errOversize
	}
	return n, err
}
