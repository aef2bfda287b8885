package ans104

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBundleHeader_RoundTrips(t *testing.T) {
	entries := []BundleEntry{
		{ID: DeriveID([]byte("sig-one")), Size: 1024},
		{ID: DeriveID([]byte("sig-two")), Size: 2048},
	}

	encoded, err := EncodeBundleHeader(entries)
	require.NoError(t, err)
	require.Equal(t, BundleHeaderSize(len(entries)), int64(len(encoded)))

	decoded, err := DecodeBundleHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestEncodeBundleHeader_EmptyEntries(t *testing.T) {
	encoded, err := EncodeBundleHeader(nil)
	require.NoError(t, err)
	require.Equal(t, BundleHeaderSize(0), int64(len(encoded)))

	decoded, err := DecodeBundleHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestEncodeBundleHeader_RejectsMalformedID(t *testing.T) {
	_, err := EncodeBundleHeader([]BundleEntry{{ID: "not-base64!!", Size: 10}})
	require.Error(t, err)
}

func TestDecodeBundleHeader_TruncatedInput(t *testing.T) {
	_, err := DecodeBundleHeader(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}
