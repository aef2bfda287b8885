package gateway

import (
	"context"
	"fmt"

	"github.com/permaweb/bundler-gateway/internal/winston"
)

// PriceAdapter adapts a Client to pricing.GatewayPriceSource, so the
// pricing quoter can read the live network storage price without
// depending on the gateway package directly (pricing.GatewayPriceSource
// is a narrow one-method interface; this is the only implementation that
// talks to the real network, per Design Notes §9's "gateway pricing is a
// pluggable collaborator").
type PriceAdapter struct {
	client Client
}

// NewPriceAdapter wraps a Client for use as a pricing.GatewayPriceSource.
func NewPriceAdapter(client Client) *PriceAdapter {
	return &PriceAdapter{client: client}
}

// WinstonPerByte satisfies pricing.GatewayPriceSource.
func (a *PriceAdapter) WinstonPerByte(ctx context.Context) (winston.Amount, error) {
	raw, err := a.client.WinstonPerByte(ctx)
	if err != nil {
		return winston.Zero(), fmt.Errorf("gateway: fetch winston-per-byte price: %w", err)
	}
	amount, err := winston.FromString(raw)
	if err != nil {
		return winston.Zero(), fmt.Errorf("gateway: parse winston-per-byte price %q: %w", raw, err)
	}
	return amount, nil
}
