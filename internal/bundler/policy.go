package bundler

import (
	"encoding/json"
	"os"
)

// dedicatedPolicies is the built-in dedicated-bundle policy table: owner
// public addresses or process ids that must be packed only with others
// carrying the same name, never mixed with the general pool. Mirrors
// usdc.chainDecimals — a small compile-time lookup table as the single
// source of truth, overridable at runtime by an operator-supplied file.
var dedicatedPolicies = map[string]struct{}{
	"warp":            {},
	"redstone-oracle": {},
	"first-batch":     {},
	"ao":              {},
	"kyve":            {},
	"ardrive":         {},
	"ario":            {},
}

// PolicyTable resolves a data item's premium feature type, if any, and
// determines whether two items belong to the same packing group.
type PolicyTable struct {
	// addresses maps an owner public address or process id to its
	// dedicated policy name.
	addresses map[string]string
}

// LoadPolicyTable builds a PolicyTable from the built-in policy names,
// optionally overlaying an operator-supplied JSON file of
// {"address": "policyName"} entries (config.BundlingConfig's
// DedicatedBundlePolicyPath). An empty path yields a table with no
// address bindings — every item packs in the general pool.
func LoadPolicyTable(path string) (*PolicyTable, error) {
	t := &PolicyTable{addresses: make(map[string]string)}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var bindings map[string]string
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, err
	}
	for address, policy := range bindings {
		if _, ok := dedicatedPolicies[policy]; !ok {
			continue
		}
		t.addresses[address] = policy
	}
	return t, nil
}

// FeatureTypeFor returns the dedicated policy name bound to an owner
// address or process id, or "" if it packs in the general pool.
func (t *PolicyTable) FeatureTypeFor(ownerPublicAddress string) string {
	if t == nil {
		return ""
	}
	return t.addresses[ownerPublicAddress]
}

// SameGroup reports whether two premium feature types (as returned by
// FeatureTypeFor, or read straight from a NewDataItem's
// PremiumFeatureType) may be packed into the same bundle plan.
func SameGroup(a, b *string) bool {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}
