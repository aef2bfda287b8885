// Package pricing computes the Winston cost of storing a data item and
// converts that cost to a USDC quote, shared by the ledger (§4.4) and the
// x402 payment engine (§4.2) so both price a byte count identically.
package pricing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/oracle"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// minUSDCAtomicUnits is the 0.001 USDC quote floor from spec §4.2.
const minUSDCAtomicUnits = 1000

// usdcDecimals is USDC's atomic-unit scale (6 decimals).
const usdcDecimals = 1_000_000

// winstonPerAR is the number of Winston per AR token (AR has 12 decimals).
var winstonPerAR = new(big.Float).SetFloat64(1e12)

// signatureOverheadBytes adds the fixed per-sig-type envelope overhead
// (signature + owner + header framing) to the payload byte count before
// pricing, so the quoted cost always covers the whole on-chain data item,
// not just its payload.
func signatureOverheadBytes(sigType ans104.SignatureType) (int64, error) {
	sigLen, ownerLen, err := ans104.Lengths(sigType)
	if err != nil {
		return 0, err
	}
	const headerFraming = 64 // target/anchor flags, tag count/byte-count varints, typical tag bytes
	return int64(sigLen + ownerLen + headerFraming), nil
}

// GatewayPriceSource quotes the current network storage price in Winston
// per byte. Implementations wrap a gateway's `/price/<bytes>` endpoint or a
// static configured rate (per Design Notes §9, gateway pricing is a
// pluggable collaborator, not hardcoded).
type GatewayPriceSource interface {
	WinstonPerByte(ctx context.Context) (winston.Amount, error)
}

// Quoter computes Winston and USDC costs for an upload.
type Quoter struct {
	gatewayPrice  GatewayPriceSource
	arUSD         *oracle.Cache
	bufferPercent float64
}

// NewQuoter builds a Quoter. bufferPercent is the configurable
// `pricingBufferPercent` from spec §4.2 (default 15).
func NewQuoter(gatewayPrice GatewayPriceSource, arUSD *oracle.Cache, bufferPercent float64) *Quoter {
	return &Quoter{gatewayPrice: gatewayPrice, arUSD: arUSD, bufferPercent: bufferPercent}
}

// WincCostForBytes returns the Winston cost of storing byteCount bytes of a
// data item signed with sigType, inclusive of the sig-type envelope
// overhead and the pricing buffer.
func (q *Quoter) WincCostForBytes(ctx context.Context, byteCount int64, sigType ans104.SignatureType) (winston.Amount, error) {
	overhead, err := signatureOverheadBytes(sigType)
	if err != nil {
		return winston.Zero(), err
	}

	perByte, err := q.gatewayPrice.WinstonPerByte(ctx)
	if err != nil {
		return winston.Zero(), fmt.Errorf("pricing: fetch gateway price: %w", err)
	}

	total := byteCount + overhead
	base := perByte.BigInt()
	base = new(big.Int).Mul(base, big.NewInt(total))

	buffered := applyPercentBuffer(base, q.bufferPercent)
	return winston.FromBigInt(buffered), nil
}

// USDCQuoteForWinc converts a Winston amount to a floored USDC atomic-unit
// quote via the cached AR/USD price, applying the 0.001 USDC minimum.
func (q *Quoter) USDCQuoteForWinc(ctx context.Context, winc winston.Amount) (int64, error) {
	arUSD, err := q.arUSD.ARUSD(ctx)
	if err != nil {
		return 0, fmt.Errorf("pricing: fetch AR/USD price: %w", err)
	}

	wincFloat := new(big.Float).SetInt(winc.BigInt())
	arAmount := new(big.Float).Quo(wincFloat, winstonPerAR)
	usdAmount := new(big.Float).Mul(arAmount, big.NewFloat(arUSD))
	usdcAtomic := new(big.Float).Mul(usdAmount, big.NewFloat(usdcDecimals))

	atomic, _ := usdcAtomic.Int64()
	if atomic < minUSDCAtomicUnits {
		atomic = minUSDCAtomicUnits
	}
	return atomic, nil
}

// USDCAtomicToWinc converts a settled USDC atomic-unit amount back into
// Winston, the inverse of USDCQuoteForWinc, used to credit a topup payment
// whose value was fixed by the payer rather than a byte-count quote.
func (q *Quoter) USDCAtomicToWinc(ctx context.Context, usdcAtomic int64) (winston.Amount, error) {
	arUSD, err := q.arUSD.ARUSD(ctx)
	if err != nil {
		return winston.Zero(), fmt.Errorf("pricing: fetch AR/USD price: %w", err)
	}
	if arUSD <= 0 {
		return winston.Zero(), fmt.Errorf("pricing: non-positive AR/USD price")
	}

	usdcFloat := new(big.Float).SetInt64(usdcAtomic)
	usdAmount := new(big.Float).Quo(usdcFloat, big.NewFloat(usdcDecimals))
	arAmount := new(big.Float).Quo(usdAmount, big.NewFloat(arUSD))
	wincFloat := new(big.Float).Mul(arAmount, winstonPerAR)

	winc, _ := wincFloat.Int(nil)
	return winston.FromBigInt(winc), nil
}

func applyPercentBuffer(base *big.Int, percent float64) *big.Int {
	if percent <= 0 {
		return base
	}
	// (base * (10000 + percent*100)) / 10000, done in integer arithmetic to
	// two decimal places of percent precision.
	scaledPercent := int64(percent * 100)
	numerator := new(big.Int).Mul(base, big.NewInt(10000+scaledPercent))
	return numerator.Div(numerator, big.NewInt(10000))
}
