package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "ENV", "PORT", "MAX_BUNDLE_SIZE", "BASE_ENABLED")
	cfg := Load()
	require.Equal(t, EnvProduction, cfg.Environment)
	require.Equal(t, "8080", cfg.Server.Port)
	require.EqualValues(t, 2*1024*1024*1024, cfg.Bundling.MaxBundleSize)
	require.False(t, cfg.X402.Networks["base"].Enabled)
}

func TestLoadNetworksFromEnv(t *testing.T) {
	clearEnv(t, "BASE_ENABLED", "BASE_PAY_TO_ADDRESS", "BASE_CHAIN_ID")
	os.Setenv("BASE_ENABLED", "true")
	os.Setenv("BASE_PAY_TO_ADDRESS", "0xabc123")
	os.Setenv("BASE_CHAIN_ID", "8453")

	cfg := Load()
	n := cfg.X402.Networks["base"]
	require.True(t, n.Enabled)
	require.Equal(t, "0xabc123", n.PayToAddress)
	require.EqualValues(t, 8453, n.ChainID)
	require.Contains(t, cfg.X402.EnabledNetworks(), "base")
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	clearEnv(t, "ENV", "DB_PASSWORD", "INTERNAL_API_SHARED_SECRET", "BASE_ENABLED", "KMS_REGION", "KMS_KEY_ID")
	os.Setenv("ENV", "production")

	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DB_PASSWORD")
	require.Contains(t, err.Error(), "INTERNAL_API_SHARED_SECRET")
}

func TestAllowListParsing(t *testing.T) {
	clearEnv(t, "ALLOW_LISTED_ADDRESSES")
	os.Setenv("ALLOW_LISTED_ADDRESSES", "0xAAA, 0xBBB,0xCCC")
	cfg := Load()
	require.Len(t, cfg.Pricing.AllowListedAddresses, 3)
	_, ok := cfg.Pricing.AllowListedAddresses["0xBBB"]
	require.True(t, ok)
}
