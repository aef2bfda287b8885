package x402

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func testFacilitatorRequest() FacilitatorRequest {
	return FacilitatorRequest{
		X402Version: 1,
		PaymentPayload: FacilitatorPaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     "base-sepolia",
			Payload:     map[string]any{"signature": "0xabc"},
		},
		PaymentRequirements: FacilitatorRequirements{
			Scheme:            "exact",
			Network:           "base-sepolia",
			MaxAmountRequired: "1000000",
			PayTo:             "0x2222222222222222222222222222222222222222",
		},
	}
}

func TestFacilitatorClient_Verify_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://facilitator.example/verify",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, FacilitatorResponse{IsValid: true}))

	client := NewFacilitatorClient("https://facilitator.example", nil)

	resp, err := client.Verify(context.Background(), testFacilitatorRequest())
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestFacilitatorClient_Settle_AttachesAuthHeader(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var seenAuth string
	httpmock.RegisterResponder("POST", "https://facilitator.example/settle",
		func(req *http.Request) (*http.Response, error) {
			seenAuth = req.Header.Get("Authorization")
			return httpmock.NewJsonResponse(http.StatusOK, FacilitatorResponse{IsValid: true, TxHash: "0xdeadbeef"})
		})

	client := NewFacilitatorClient("https://facilitator.example", func(ctx context.Context) (string, error) {
		return "test-bearer-token", nil
	})

	resp, err := client.Settle(context.Background(), testFacilitatorRequest())
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", resp.TxHash)
	require.Equal(t, "Bearer test-bearer-token", seenAuth)
}

func TestFacilitatorClient_Verify_InvalidReason(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://facilitator.example/verify",
		httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, FacilitatorResponse{
			IsValid:       false,
			InvalidReason: "insufficient_authorization_value",
		}))

	client := NewFacilitatorClient("https://facilitator.example", nil)

	resp, err := client.Verify(context.Background(), testFacilitatorRequest())
	require.Error(t, err)
	require.NotNil(t, resp)
	require.False(t, resp.IsValid)
}
