package bundler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPolicyTable_EmptyPath(t *testing.T) {
	table, err := LoadPolicyTable("")
	require.NoError(t, err)
	require.Equal(t, "", table.FeatureTypeFor("0xowner"))
}

func TestLoadPolicyTable_FiltersUnknownPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"0xwarp":    "warp",
		"0xbogus":   "not-a-real-policy",
		"0xardrive": "ardrive"
	}`), 0o600))

	table, err := LoadPolicyTable(path)
	require.NoError(t, err)
	require.Equal(t, "warp", table.FeatureTypeFor("0xwarp"))
	require.Equal(t, "ardrive", table.FeatureTypeFor("0xardrive"))
	require.Equal(t, "", table.FeatureTypeFor("0xbogus"))
	require.Equal(t, "", table.FeatureTypeFor("0xunknown"))
}

func TestLoadPolicyTable_MissingFile(t *testing.T) {
	_, err := LoadPolicyTable(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPolicyTable_FeatureTypeFor_NilReceiver(t *testing.T) {
	var table *PolicyTable
	require.Equal(t, "", table.FeatureTypeFor("anything"))
}

func TestSameGroup(t *testing.T) {
	warp := "warp"
	ardrive := "ardrive"

	require.True(t, SameGroup(nil, nil))
	require.True(t, SameGroup(&warp, &warp))
	require.False(t, SameGroup(&warp, &ardrive))
	require.False(t, SameGroup(&warp, nil))
}
