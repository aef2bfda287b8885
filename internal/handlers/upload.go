package handlers

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/gofiber/fiber/v3"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/ingest"
	"github.com/permaweb/bundler-gateway/internal/pricing"
)

// PaymentLookup is the subset of *payment.DB the upload service needs for
// the raw-bytes route: looking up an already-verified payment by the data
// item it was made against. Accepted as an interface so a deployment that
// runs upload and payment as separate processes can satisfy it with an
// internal-HTTP-client adapter instead, the same split BalanceLedger uses
// in internal/ingest.
type PaymentLookup interface {
	GetPaymentByDataItemID(ctx context.Context, dataItemID string) (*payment.X402Payment, error)
}

// UploadHandler serves the upload service's ingest, multipart and
// price/status/offset routes (spec §6 upload service, §4.1).
type UploadHandler struct {
	db       *upload.DB
	pipeline *ingest.Pipeline
	quoter   *pricing.Quoter
	payments PaymentLookup
}

// NewUploadHandler builds an UploadHandler. payments may be nil if the
// deployment never enables the raw (non-pre-signed) x402 upload route.
func NewUploadHandler(db *upload.DB, pipeline *ingest.Pipeline, quoter *pricing.Quoter, payments PaymentLookup) *UploadHandler {
	return &UploadHandler{db: db, pipeline: pipeline, quoter: quoter, payments: payments}
}

// RegisterRoutes registers the upload service's public routes under /v1.
func (h *UploadHandler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/v1")
	v1.Post("/tx", h.IngestSigned)
	v1.Post("/tx/:token", h.IngestRaw)
	v1.Post("/tx/multipart", h.CreateMultipart)
	v1.Put("/tx/multipart/:uploadId/:partNumber", h.UploadPart)
	v1.Post("/tx/multipart/:uploadId/finalize/:token", h.FinalizeMultipart)
	v1.Get("/price/x402/data-item/:token/:byteCount", h.PriceDataItem)
	v1.Get("/price/x402/data/:token/:byteCount", h.PriceData)
	v1.Get("/tx/:id/status", h.Status)
	v1.Get("/tx/:id/offset", h.Offset)
}

// IngestSigned accepts a fully pre-signed ANS-104 data item.
func (h *UploadHandler) IngestSigned(c fiber.Ctx) error {
	declaredSize := int64(len(c.Body()))
	if declaredSize == 0 {
		return apperror.New(apperror.KindInvalidInput, "request body must not be empty")
	}

	receipt, err := h.pipeline.IngestSigned(c.Context(), bytes.NewReader(c.Body()), declaredSize)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(receipt)
}

// IngestRaw accepts raw (not pre-signed) bytes paid for via a prior x402
// payment settlement, identified by the opaque token the payment service
// returned at settlement time.
func (h *UploadHandler) IngestRaw(c fiber.Ctx) error {
	if h.payments == nil {
		return apperror.New(apperror.KindUnavailable, "raw x402 uploads are not enabled on this deployment")
	}

	token := c.Params("token")
	rec, err := h.payments.GetPaymentByDataItemID(c.Context(), token)
	if err != nil {
		return apperror.Wrap(apperror.KindNotFound, "no settled payment found for token", err)
	}

	contentType := c.Get(fiber.HeaderContentType, "application/octet-stream")
	declaredSize := int64(len(c.Body()))

	receipt, err := h.pipeline.IngestRawWithX402Payment(c.Context(), bytes.NewReader(c.Body()), declaredSize, contentType, rec)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(receipt)
}

// CreateMultipart opens a chunked upload session.
func (h *UploadHandler) CreateMultipart(c fiber.Ctx) error {
	var body struct {
		UserAddress  *string `json:"userAddress"`
		ChunkSize    int64   `json:"chunkSize"`
		DataItemSize int64   `json:"dataItemSize"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request body", err)
	}

	session, err := h.pipeline.CreateMultipartUpload(c.Context(), body.UserAddress, body.ChunkSize, body.DataItemSize)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"uploadId":      session.UploadID,
		"chunkSize":     session.ChunkSize,
		"finalizeToken": session.FinalizeToken,
	})
}

// UploadPart uploads one chunk of an open multipart session.
func (h *UploadHandler) UploadPart(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("uploadId"))
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid uploadId", err)
	}
	partNumber, err := strconv.ParseInt(c.Params("partNumber"), 10, 32)
	if err != nil || partNumber < 1 {
		return apperror.New(apperror.KindInvalidInput, "partNumber must be a positive integer")
	}

	size := int64(len(c.Body()))
	if size == 0 {
		return apperror.New(apperror.KindInvalidInput, "part body must not be empty")
	}

	if err := h.pipeline.UploadPart(c.Context(), uploadID, int32(partNumber), bytes.NewReader(c.Body()), size); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusOK)
}

// FinalizeMultipart validates a multipart session's token and part
// contiguity, then enqueues assembly.
func (h *UploadHandler) FinalizeMultipart(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("uploadId"))
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid uploadId", err)
	}
	token := c.Params("token")

	if err := h.pipeline.FinalizeMultipartUpload(c.Context(), uploadID, token); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"uploadId": uploadID, "status": "finalizing"})
}

func parseByteCount(c fiber.Ctx) (int64, error) {
	byteCount, err := strconv.ParseInt(c.Params("byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		return 0, apperror.New(apperror.KindInvalidInput, "byteCount must be a non-negative integer")
	}
	return byteCount, nil
}

// PriceDataItem quotes the Winston cost of a pre-signed data item of the
// given total byte count, keyed by signature type.
func (h *UploadHandler) PriceDataItem(c fiber.Ctx) error {
	sigType, err := ans104.ParseSignatureType(c.Params("token"))
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid signature type", err)
	}
	byteCount, err := parseByteCount(c)
	if err != nil {
		return err
	}

	winc, err := h.quoter.WincCostForBytes(c.Context(), byteCount, sigType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"winc": winc.String()})
}

// PriceData quotes the Winston cost of raw payload bytes for callers that
// haven't built the envelope yet. It prices byteCount exactly as
// PriceDataItem does, with the signature type's fixed envelope overhead;
// the tags and contentType query parameters are not read, so no tag or
// content-type overhead is added.
func (h *UploadHandler) PriceData(c fiber.Ctx) error {
	sigType, err := ans104.ParseSignatureType(c.Params("token"))
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid signature type", err)
	}
	byteCount, err := parseByteCount(c)
	if err != nil {
		return err
	}

	winc, err := h.quoter.WincCostForBytes(c.Context(), byteCount, sigType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"winc": winc.String()})
}

// Status reports which lifecycle stage a data item currently occupies.
func (h *UploadHandler) Status(c fiber.Ctx) error {
	status, err := h.db.GetDataItemStatus(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, upload.ErrDataItemNotFound) {
			return apperror.New(apperror.KindNotFound, "data item not found")
		}
		return err
	}

	resp := fiber.Map{"status": status.Stage}
	if status.BundleID != nil {
		resp["bundleId"] = *status.BundleID
	}
	if status.BlockHeight != nil {
		resp["blockHeight"] = *status.BlockHeight
	}
	if status.FailReason != nil {
		resp["failedReason"] = *status.FailReason
	}
	return c.JSON(resp)
}

// Offset reports a data item's byte offset within its root bundle, once
// it has been planned into one.
func (h *UploadHandler) Offset(c fiber.Ctx) error {
	offset, err := h.db.GetOffset(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, upload.ErrOffsetNotFound) {
			return apperror.New(apperror.KindNotFound, "data item offset not recorded")
		}
		return err
	}
	return c.JSON(offset)
}
