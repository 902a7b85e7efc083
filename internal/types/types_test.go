package types

import "testing"

func TestFlowValid(t *testing.T) {
	for _, f := range KnownFlows {
		if !f.Valid() {
			t.Errorf("flow %q should be valid", f)
		}
	}
	if Flow("telemetry").Valid() {
		t.Error("unknown flow reported valid")
	}
}

func TestTierOrdering(t *testing.T) {
	tests := []struct {
		tier, other Tier
		want        bool
	}{
		{TierBasic, TierBasic, true},
		{TierPro, TierBasic, true},
		{TierEnterprise, TierPro, true},
		{TierBasic, TierPro, false},
		{TierPro, TierEnterprise, false},
	}
	for _, tt := range tests {
		if got := tt.tier.AtLeast(tt.other); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.tier, tt.other, got, tt.want)
		}
	}
}

func TestTierValid(t *testing.T) {
	if !TierEnterprise.Valid() {
		t.Error("enterprise should be valid")
	}
	if Tier("platinum").Valid() {
		t.Error("unknown tier reported valid")
	}
}
