package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/ingest"
	"github.com/permaweb/bundler-gateway/internal/ledger"
	"github.com/permaweb/bundler-gateway/internal/winston"
	"github.com/permaweb/bundler-gateway/internal/x402"
)

// findAccept picks the accepts[] entry matching the network the caller's
// X-PAYMENT payload claims to satisfy.
func findAccept(accepts []x402.Accept, network string) *x402.Accept {
	for i := range accepts {
		if accepts[i].Network == network {
			return &accepts[i]
		}
	}
	return nil
}

// PaymentHandler serves the payment service's balance and x402 routes
// (spec §6 payment service, §4.2, §4.4).
type PaymentHandler struct {
	db     *payment.DB
	engine *ingest.PaymentEngine
	ledger *ledger.Ledger
}

// NewPaymentHandler builds a PaymentHandler.
func NewPaymentHandler(db *payment.DB, engine *ingest.PaymentEngine, l *ledger.Ledger) *PaymentHandler {
	return &PaymentHandler{db: db, engine: engine, ledger: l}
}

// RegisterRoutes registers the public payment routes under /v1. Internal
// routes are registered separately via RegisterInternalRoutes, behind an
// internal-auth middleware the caller supplies.
func (h *PaymentHandler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/v1")
	v1.Get("/x402/price/:sigType/:address", h.Price)
	v1.Post("/x402/payment/:sigType/:address", h.Pay)
	v1.Post("/x402/top-up/:sigType/:address", h.TopUp)
	v1.Post("/x402/finalize", h.Finalize)
	v1.Get("/balance", h.Balance)
}

// RegisterInternalRoutes registers the routes only the upload service
// should reach, mounted by the caller behind an internal-auth middleware.
func (h *PaymentHandler) RegisterInternalRoutes(router fiber.Router) {
	router.Post("/reserve-balance", h.ReserveBalance)
	router.Post("/finalize-reservation", h.FinalizeReservation)
}

func parseSigType(c fiber.Ctx) (ans104.SignatureType, error) {
	sigType, err := ans104.ParseSignatureType(c.Params("sigType"))
	if err != nil {
		return 0, apperror.Wrap(apperror.KindInvalidInput, "invalid signature type", err)
	}
	return sigType, nil
}

// Price quotes the x402 price (one accepts[] entry per enabled network)
// for a payment of the given byte count, keyed by signature type and
// payer address.
func (h *PaymentHandler) Price(c fiber.Ctx) error {
	sigType, err := parseSigType(c)
	if err != nil {
		return err
	}
	address := c.Params("address")

	byteCount, err := strconv.ParseInt(c.Query("bytes"), 10, 64)
	if err != nil || byteCount < 0 {
		return apperror.New(apperror.KindInvalidInput, "bytes query parameter must be a non-negative integer")
	}

	req, err := h.engine.Quote(c.Context(), sigType, "/v1/x402/payment/"+c.Params("sigType")+"/"+address, byteCount)
	if err != nil {
		return err
	}
	return c.JSON(req)
}

func (h *PaymentHandler) settle(c fiber.Ctx, mode payment.PaymentMode) error {
	sigType, err := parseSigType(c)
	if err != nil {
		return err
	}

	paymentHeader := c.Get("X-PAYMENT")
	if paymentHeader == "" {
		return apperror.New(apperror.KindPaymentRequired, "X-PAYMENT header required")
	}
	payload, err := ingest.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return err
	}

	var body struct {
		DataItemID        string `json:"dataItemId"`
		DeclaredByteCount int64  `json:"declaredByteCount"`
		Network           string `json:"network"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request body", err)
	}

	quote, err := h.engine.Quote(c.Context(), sigType, c.Path(), body.DeclaredByteCount)
	if err != nil {
		return err
	}
	chosen := findAccept(quote.Accepts, payload.Network)
	if chosen == nil {
		return apperror.New(apperror.KindPaymentRequired, "no accepted requirements for payment network").WithPayload(quote)
	}

	rec, err := h.engine.VerifyAndSettle(c.Context(), payload, ingest.SettleRequest{
		Accept:            *chosen,
		Mode:              mode,
		DataItemID:        body.DataItemID,
		DeclaredByteCount: body.DeclaredByteCount,
		SignatureType:     sigType,
	})
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

// Pay settles a pay-as-you-go x402 payment reserved against a specific
// data item.
func (h *PaymentHandler) Pay(c fiber.Ctx) error {
	return h.settle(c, payment.ModePayg)
}

// TopUp settles an x402 payment that credits the standing Winston balance
// rather than reserving against a single data item.
func (h *PaymentHandler) TopUp(c fiber.Ctx) error {
	return h.settle(c, payment.ModeTopup)
}

// Finalize reconciles a settled payg/hybrid payment against a data item's
// actual byte count once the upload service reports it.
func (h *PaymentHandler) Finalize(c fiber.Ctx) error {
	var body struct {
		DataItemID        string `json:"dataItemId"`
		ActualByteCount   int64  `json:"actualByteCount"`
		SignatureTypeName string `json:"signatureType"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request body", err)
	}
	if body.DataItemID == "" {
		return apperror.New(apperror.KindInvalidInput, "dataItemId is required")
	}

	sigType, err := ans104.ParseSignatureType(body.SignatureTypeName)
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid signatureType", err)
	}

	rec, err := h.db.GetPaymentByDataItemID(c.Context(), body.DataItemID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return apperror.New(apperror.KindNotFound, "no x402 payment recorded for data item")
		}
		return err
	}

	result, err := h.engine.Finalize(c.Context(), rec, body.ActualByteCount, sigType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": result.Status})
}

// Balance reports a user's standing Winston balance.
func (h *PaymentHandler) Balance(c fiber.Ctx) error {
	address := c.Query("address")
	addressType := c.Query("addressType", "arweave")
	if address == "" {
		return apperror.New(apperror.KindInvalidInput, "address query parameter is required")
	}

	user, err := h.db.GetUser(c.Context(), address, addressType)
	if err != nil {
		if errors.Is(err, payment.ErrUserNotFound) {
			return c.JSON(fiber.Map{"address": address, "winstonBalance": "0"})
		}
		return err
	}
	return c.JSON(fiber.Map{"address": user.Address, "winstonBalance": user.WinstonBalance.String()})
}

// ReserveBalance is an internal-only call the upload service makes to
// place a provisional hold against a not-yet-bundled data item.
func (h *PaymentHandler) ReserveBalance(c fiber.Ctx) error {
	var body struct {
		DataItemID  string `json:"dataItemId"`
		Address     string `json:"address"`
		AddressType string `json:"addressType"`
		ByteCount   int64  `json:"byteCount"`
		SigType     string `json:"signatureType"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request body", err)
	}
	sigType, err := ans104.ParseSignatureType(body.SigType)
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid signatureType", err)
	}

	result, err := h.ledger.ReserveBalanceForData(c.Context(), body.DataItemID, body.Address, body.AddressType, body.ByteCount, sigType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"reserved":       result.IsReserved,
		"costOfDataItem": result.CostOfDataItem.String(),
		"walletExists":   result.WalletExists,
	})
}

// FinalizeReservation is an internal-only call the upload service makes
// once a data item either reaches a bundle (consumed) or is abandoned
// (cancelled).
func (h *PaymentHandler) FinalizeReservation(c fiber.Ctx) error {
	var body struct {
		DataItemID string  `json:"dataItemId"`
		FinalCost  *string `json:"finalCostWinc"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request body", err)
	}

	var finalCost *winston.Amount
	if body.FinalCost != nil {
		amt, err := winston.FromString(*body.FinalCost)
		if err != nil {
			return apperror.Wrap(apperror.KindInvalidInput, "invalid finalCostWinc", err)
		}
		finalCost = &amt
	}

	status, err := h.ledger.FinalizeReservation(c.Context(), body.DataItemID, finalCost)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": status})
}
