package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/pricing"
	"github.com/permaweb/bundler-gateway/internal/usdc"
	"github.com/permaweb/bundler-gateway/internal/winston"
	"github.com/permaweb/bundler-gateway/internal/x402"
)

// PaymentEngine implements spec §4.2: 402 price quotes across every
// enabled network, EIP-3009 signature verification, facilitator-mediated
// settlement and the three payg/topup/hybrid credit flows. It is the
// payment-side counterpart to Pipeline, kept separate since the upload and
// payment services are independently deployable and only a raw (not
// pre-signed) upload ties the two together at ingest time.
type PaymentEngine struct {
	db           *payment.DB
	quoter       *pricing.Quoter
	cfg          config.X402Config
	facilitators map[string]*x402.FacilitatorClient
}

// NewPaymentEngine builds a PaymentEngine. facilitators is keyed by
// network name, matching cfg.Networks.
func NewPaymentEngine(db *payment.DB, quoter *pricing.Quoter, cfg config.X402Config, facilitators map[string]*x402.FacilitatorClient) *PaymentEngine {
	return &PaymentEngine{db: db, quoter: quoter, cfg: cfg, facilitators: facilitators}
}

const x402SchemeExact = "exact"

// Quote builds the 402 response body for byteCount bytes of a data item
// signed with sigType, one accepts[] entry per enabled network (spec
// §4.2's gateway always quoting 402 rather than an out-of-band price API).
func (e *PaymentEngine) Quote(ctx context.Context, sigType ans104.SignatureType, resource string, byteCount int64) (*x402.PaymentRequirements, error) {
	winc, err := e.quoter.WincCostForBytes(ctx, byteCount, sigType)
	if err != nil {
		return nil, fmt.Errorf("ingest: quote winc cost: %w", err)
	}
	usdcAtomic, err := e.quoter.USDCQuoteForWinc(ctx, winc)
	if err != nil {
		return nil, fmt.Errorf("ingest: quote usdc cost: %w", err)
	}

	enabled := e.cfg.EnabledNetworks()
	if len(enabled) == 0 {
		return nil, apperror.New(apperror.KindUnavailable, "no payment networks are currently enabled")
	}

	accepts := make([]x402.Accept, 0, len(enabled))
	for _, name := range enabled {
		net := e.cfg.Networks[name]
		accepts = append(accepts, x402.Accept{
			Scheme:            x402SchemeExact,
			Network:           name,
			MaxAmountRequired: strconv.FormatInt(usdcAtomic, 10),
			Resource:          resource,
			Description:       "permanent storage upload",
			MimeType:          "application/octet-stream",
			PayTo:             net.PayToAddress,
			MaxTimeoutSeconds: e.cfg.PaymentTimeoutMS / 1000,
			Asset:             net.USDCAddress,
			Extra: map[string]any{
				"name":    "USD Coin",
				"version": net.ExtraVersion,
			},
		})
	}

	return &x402.PaymentRequirements{X402Version: 1, Accepts: accepts}, nil
}

// DecodePaymentHeader decodes the base64 X-PAYMENT header value.
func DecodePaymentHeader(header string) (*x402.X402Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidInput, "invalid X-PAYMENT encoding", err)
	}
	var p x402.X402Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidInput, "invalid X-PAYMENT payload", err)
	}
	return &p, nil
}

// SettleRequest bundles the facts VerifyAndSettle needs beyond the
// X-PAYMENT payload itself: which accept[] entry the client is satisfying,
// which credit mode applies, and (for payg/hybrid) which data item and
// declared byte count the payment is reserved against.
type SettleRequest struct {
	Accept            x402.Accept
	Mode              payment.PaymentMode
	DataItemID        string
	DeclaredByteCount int64
	SignatureType     ans104.SignatureType
}

// VerifyAndSettle checks an X-PAYMENT payload against the accept[] entry
// the client claims to satisfy, verifies the EIP-3009 signature, settles
// through the network's facilitator, records the payment and applies its
// payg/topup/hybrid credit effect.
func (e *PaymentEngine) VerifyAndSettle(ctx context.Context, payload *x402.X402Payload, req SettleRequest) (*payment.X402Payment, error) {
	accept := req.Accept

	if payload.Scheme != accept.Scheme {
		return nil, apperror.New(apperror.KindPaymentRequired, "payment scheme does not match accepted requirements").WithPayload(accept)
	}
	if payload.Network != accept.Network {
		return nil, apperror.New(apperror.KindPaymentRequired, "payment network does not match accepted requirements").WithPayload(accept)
	}

	required, ok := new(big.Int).SetString(accept.MaxAmountRequired, 10)
	if !ok {
		return nil, apperror.New(apperror.KindInternal, "invalid accept amount")
	}
	offered, ok := new(big.Int).SetString(payload.Authorization.Value, 10)
	if !ok {
		return nil, apperror.New(apperror.KindPaymentRequired, "invalid authorization value")
	}
	if offered.Cmp(required) < 0 {
		return nil, apperror.New(apperror.KindPaymentRequired, "authorization value below required amount").WithPayload(accept)
	}

	if !addressesEqual(payload.Authorization.To, accept.PayTo) {
		return nil, apperror.New(apperror.KindPaymentRequired, "authorization payee does not match payTo").WithPayload(accept)
	}

	validBefore, err := strconv.ParseInt(payload.Authorization.ValidBefore, 10, 64)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindPaymentRequired, "invalid validBefore", err)
	}
	deadline := time.Now().Add(time.Duration(accept.MaxTimeoutSeconds) * time.Second).Unix()
	if validBefore < deadline {
		return nil, apperror.New(apperror.KindPaymentRequired, "authorization expires before the required timeout window").WithPayload(accept)
	}

	net, ok := e.cfg.Networks[accept.Network]
	if !ok {
		return nil, apperror.New(apperror.KindInvalidInput, "unknown payment network")
	}

	domain := x402.DomainParams{
		Name:              "USD Coin",
		Version:           net.ExtraVersion,
		ChainID:           net.ChainID,
		VerifyingContract: accept.Asset,
	}
	if err := x402.VerifyEIP3009Signature(domain, payload.Authorization, payload.Authorization.From, payload.Signature); err != nil {
		return nil, apperror.Wrap(apperror.KindPaymentRequired, "signature verification failed", err)
	}

	facilitator, ok := e.facilitators[accept.Network]
	if !ok {
		return nil, apperror.New(apperror.KindUnavailable, "no facilitator configured for network")
	}

	facilitatorReq := x402.FacilitatorRequest{
		X402Version: 1,
		PaymentPayload: x402.FacilitatorPaymentPayload{
			X402Version: 1,
			Scheme:      payload.Scheme,
			Network:     payload.Network,
			Payload: map[string]any{
				"authorization": payload.Authorization,
				"signature":     payload.Signature,
			},
		},
		PaymentRequirements: accept,
	}

	verifyResp, err := facilitator.Verify(ctx, facilitatorReq)
	if err != nil || !verifyResp.IsValid {
		return nil, apperror.Wrap(apperror.KindPaymentRequired, "facilitator rejected payment", err)
	}

	settleResp, err := facilitator.Settle(ctx, facilitatorReq)
	if err != nil || settleResp.TxHash == "" {
		return nil, apperror.Wrap(apperror.KindPaymentRequired, "facilitator failed to settle payment", err)
	}

	usdcAmount := usdc.MicroUSDC(offered.Int64())

	var wincAmount winston.Amount
	if req.Mode == payment.ModeTopup {
		wincAmount, err = e.quoter.USDCAtomicToWinc(ctx, int64(usdcAmount))
	} else {
		wincAmount, err = e.quoter.WincCostForBytes(ctx, req.DeclaredByteCount, req.SignatureType)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: price settled payment: %w", err)
	}

	var declaredByteCount *int64
	if req.Mode != payment.ModeTopup {
		declaredByteCount = &req.DeclaredByteCount
	}

	rec, err := e.db.CreatePayment(ctx, payment.X402Payment{
		UserAddress:       payload.Authorization.From,
		UserAddrType:      "evm",
		TxHash:            settleResp.TxHash,
		Network:           accept.Network,
		TokenAddress:      accept.Asset,
		USDCAmount:        usdcAmount,
		WincAmount:        wincAmount,
		Mode:              req.Mode,
		DataItemID:        req.DataItemID,
		DeclaredByteCount: declaredByteCount,
		PayerAddress:      payload.Authorization.From,
		Status:            payment.StatusPending,
	})
	if err != nil {
		if err == payment.ErrDuplicatePayment {
			existing, getErr := e.db.GetPaymentByTxHash(ctx, settleResp.TxHash)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("ingest: record x402 payment: %w", err)
	}

	if err := e.applyCredit(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyCredit runs the payg/topup/hybrid credit effect spec §4.2
// describes: payg reserves the exact quoted cost against the data item and
// credits nothing to the standing balance; topup credits the whole
// settled amount to the balance with no reservation; hybrid does both,
// crediting only the excess over the reservation to the balance.
func (e *PaymentEngine) applyCredit(ctx context.Context, rec *payment.X402Payment) error {
	switch rec.Mode {
	case payment.ModeTopup:
		if _, err := e.db.AdjustBalance(ctx, rec.UserAddress, rec.UserAddrType, rec.WincAmount, "x402-topup", rec.ID.String()); err != nil {
			return fmt.Errorf("ingest: credit topup balance: %w", err)
		}
	case payment.ModePayg:
		expiresAt := time.Now().Add(time.Duration(e.cfg.PaymentTimeoutMS) * time.Millisecond)
		if err := e.db.CreateX402Reservation(ctx, rec.DataItemID, rec.ID, expiresAt); err != nil {
			return fmt.Errorf("ingest: create payg reservation: %w", err)
		}
	case payment.ModeHybrid:
		if rec.DeclaredByteCount == nil {
			return fmt.Errorf("ingest: hybrid payment missing declared byte count")
		}
		paid, err := e.quoter.USDCAtomicToWinc(ctx, int64(rec.USDCAmount))
		if err != nil {
			return fmt.Errorf("ingest: convert hybrid payment: %w", err)
		}
		excess := paid.Sub(rec.WincAmount)
		if !excess.IsNegative() && excess.Cmp(winston.Zero()) != 0 {
			if _, err := e.db.AdjustBalance(ctx, rec.UserAddress, rec.UserAddrType, excess, "x402-hybrid-excess", rec.ID.String()); err != nil {
				return fmt.Errorf("ingest: credit hybrid excess: %w", err)
			}
		}
		expiresAt := time.Now().Add(time.Duration(e.cfg.PaymentTimeoutMS) * time.Millisecond)
		if err := e.db.CreateX402Reservation(ctx, rec.DataItemID, rec.ID, expiresAt); err != nil {
			return fmt.Errorf("ingest: create hybrid reservation: %w", err)
		}
	}
	return nil
}

// FinalizeResult is the outcome of Finalize.
type FinalizeResult struct {
	Status payment.PaymentStatus
}

// Finalize re-prices a payg/hybrid payment against the data item's actual
// byte count, confirming, refunding or penalizing per spec §4.2's fraud
// tolerance window: a declared byte count understated beyond the
// configured tolerance is treated as fraud and never refunded.
func (e *PaymentEngine) Finalize(ctx context.Context, rec *payment.X402Payment, actualByteCount int64, sigType ans104.SignatureType) (*FinalizeResult, error) {
	actualCost, err := e.quoter.WincCostForBytes(ctx, actualByteCount, sigType)
	if err != nil {
		return nil, fmt.Errorf("ingest: reprice at actual byte count: %w", err)
	}

	lowerBound := applyPercent(actualCost, -e.cfg.FraudTolerancePercent)

	var status payment.PaymentStatus
	switch {
	case rec.WincAmount.Cmp(lowerBound) < 0:
		status = payment.StatusFraudPenalty
		if err := e.db.UpdatePaymentStatus(ctx, rec.ID, status); err != nil {
			return nil, fmt.Errorf("ingest: mark fraud penalty: %w", err)
		}
		return &FinalizeResult{Status: status}, apperror.New(apperror.KindForbidden,
			fmt.Sprintf("declared byte count understated: paid for %s winc, actual cost %s winc", rec.WincAmount, actualCost))
	case rec.WincAmount.Cmp(applyPercent(actualCost, e.cfg.FraudTolerancePercent)) > 0:
		status = payment.StatusRefunded
		if _, err := e.db.AdjustBalance(ctx, rec.UserAddress, rec.UserAddrType, rec.WincAmount.Sub(actualCost), "x402-finalize-refund", rec.ID.String()); err != nil {
			return nil, fmt.Errorf("ingest: credit finalize refund: %w", err)
		}
	default:
		status = payment.StatusConfirmed
	}

	if err := e.db.UpdatePaymentStatus(ctx, rec.ID, status); err != nil {
		return nil, fmt.Errorf("ingest: update payment status: %w", err)
	}

	return &FinalizeResult{Status: status}, nil
}

// applyPercent returns amount scaled by (100+percent)/100; a negative
// percent shrinks it, matching the fraud-tolerance window's lower bound.
func applyPercent(amount winston.Amount, percent float64) winston.Amount {
	if percent == 0 {
		return amount
	}
	scaledPercent := int64(percent * 100)
	numerator := new(big.Int).Mul(amount.BigInt(), big.NewInt(10000+scaledPercent))
	return winston.FromBigInt(numerator.Div(numerator, big.NewInt(10000)))
}

func addressesEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
