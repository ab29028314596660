package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileForFallsBackToRFC5245(t *testing.T) {
	assert.Equal(t, compatTable[CompatibilityRFC5245], profileFor(Compatibility(999)))
}

func TestProfileForKnownCompatsUseLegacyTransactionIDWidthConsistently(t *testing.T) {
	for _, c := range []Compatibility{CompatibilityMSN, CompatibilityWLM2009, CompatibilityOC2007} {
		assert.Equal(t, 128, profileFor(c).transactionIDBits, "compat %s", c)
	}
	for _, c := range []Compatibility{CompatibilityRFC5245, CompatibilityGoogle, CompatibilityOC2007R2} {
		assert.Equal(t, 96, profileFor(c).transactionIDBits, "compat %s", c)
	}
}

func TestCandidateTypePreferenceOrdering(t *testing.T) {
	profile := profileFor(CompatibilityRFC5245)
	assert.Greater(t, CandidateTypeHost.preference(profile), CandidateTypeServerReflexive.preference(profile))
	assert.Greater(t, CandidateTypePeerReflexive.preference(profile), CandidateTypeServerReflexive.preference(profile))
	assert.Equal(t, uint32(0), CandidateTypeRelayed.preference(profile))
}

func TestCompatibilityStringsAreStable(t *testing.T) {
	cases := map[Compatibility]string{
		CompatibilityRFC5245:  "rfc5245",
		CompatibilityGoogle:   "google",
		CompatibilityMSN:      "msn",
		CompatibilityWLM2009:  "wlm2009",
		CompatibilityOC2007:   "oc2007",
		CompatibilityOC2007R2: "oc2007r2",
	}
	for compat, want := range cases {
		assert.Equal(t, want, compat.String())
	}
}
