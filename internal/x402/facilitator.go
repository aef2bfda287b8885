package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FacilitatorClient posts verify/settle requests to an x402 facilitator,
// generalizing the teacher's X402Middleware.verifyPayment/settlePayment
// (internal/middleware/x402.go) from its hardcoded x402Version:2 envelope
// to the v1 `{x402Version, paymentPayload, paymentRequirements}` shape
// spec.md §4.2 describes, and adding the CDP bearer-JWT auth header the
// teacher never needed.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	authHeader func(ctx context.Context) (string, error)
}

// NewFacilitatorClient builds a client against a facilitator base URL.
// authHeader, if non-nil, is called once per request to produce a bearer
// token (see cdpjwt.go); CDP-hosted facilitators require it, self-hosted
// ones may not.
func NewFacilitatorClient(baseURL string, authHeader func(ctx context.Context) (string, error)) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		authHeader: authHeader,
	}
}

// Verify asks the facilitator to validate a payment payload against
// requirements without moving funds, the teacher's 10-second read-timeout
// "quick check" call.
func (c *FacilitatorClient) Verify(ctx context.Context, req FacilitatorRequest) (*FacilitatorResponse, error) {
	return c.post(ctx, "/verify", req, 10*time.Second)
}

// Settle asks the facilitator to execute the authorized on-chain transfer,
// the teacher's longer 30-second timeout for the call that actually waits
// on a transaction submission.
func (c *FacilitatorClient) Settle(ctx context.Context, req FacilitatorRequest) (*FacilitatorResponse, error) {
	return c.post(ctx, "/settle", req, 30*time.Second)
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body FacilitatorRequest, timeout time.Duration) (*FacilitatorResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("x402: marshal facilitator request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("x402: build facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.authHeader != nil {
		token, err := c.authHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("x402: build facilitator auth header: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("x402: facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	var result FacilitatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("x402: decode facilitator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && !result.IsValid {
		return &result, fmt.Errorf("x402: facilitator %s returned status %d: %s", path, resp.StatusCode, result.InvalidReason)
	}

	return &result, nil
}
