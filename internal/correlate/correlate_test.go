package correlate

import "testing"

func defaultOptions() Options {
	return Options{
		Weights:                Weights{Local: 0.8, External: 0.2},
		LocalConfidenceBoost:   10,
		MinimumFinalConfidence: 85,
	}
}

func intPtr(v int) *int { return &v }

func TestFinalConfidenceLocalOnly(t *testing.T) {
	got := FinalConfidence(Input{Local: intPtr(90)}, defaultOptions())
	if got != 100 {
		t.Fatalf("local-only 90 = %d, want 100 (boosted then clamped)", got)
	}
}

func TestFinalConfidenceLocalOnlyBelowBoostThreshold(t *testing.T) {
	got := FinalConfidence(Input{Local: intPtr(60)}, defaultOptions())
	if got != 60 {
		t.Fatalf("local-only 60 = %d, want 60 (no boost below 75)", got)
	}
}

func TestFinalConfidenceExternalOnly(t *testing.T) {
	got := FinalConfidence(Input{External: intPtr(75)}, defaultOptions())
	if got != 15 {
		t.Fatalf("external-only 75 = %d, want 15", got)
	}
}

func TestFinalConfidenceDualSourceAppliesFloor(t *testing.T) {
	got := FinalConfidence(Input{Local: intPtr(85), External: intPtr(75)}, defaultOptions())
	if got != 85 {
		t.Fatalf("dual source 85/75 = %d, want 85 (weighted 83 then floored)", got)
	}
}

func TestFinalConfidenceDualSourceBelowFloorThreshold(t *testing.T) {
	got := FinalConfidence(Input{Local: intPtr(50), External: intPtr(50)}, defaultOptions())
	if got != 50 {
		t.Fatalf("dual source 50/50 = %d, want 50 (no floor, local < 75)", got)
	}
}

func TestFinalConfidenceBoostOverflowClampsTo100(t *testing.T) {
	got := FinalConfidence(Input{Local: intPtr(95)}, defaultOptions())
	if got != 100 {
		t.Fatalf("local-only 95 boosted = %d, want 100", got)
	}
}

func TestFinalConfidenceNoInputsIsZero(t *testing.T) {
	got := FinalConfidence(Input{}, defaultOptions())
	if got != 0 {
		t.Fatalf("no inputs = %d, want 0", got)
	}
}

func TestFinalConfidenceDeterministic(t *testing.T) {
	in := Input{Local: intPtr(85), External: intPtr(75)}
	opts := defaultOptions()
	a := FinalConfidence(in, opts)
	b := FinalConfidence(in, opts)
	if a != b {
		t.Fatalf("FinalConfidence is not deterministic: %d != %d", a, b)
	}
}

func TestWeightsValidateRejectsBadSum(t *testing.T) {
	w := Weights{Local: 0.7, External: 0.2}
	if err := w.Validate(); err == nil {
		t.Fatal("expected validation error for weights summing to 0.9")
	}
}

func TestWeightsValidateAcceptsWithinEpsilon(t *testing.T) {
	w := Weights{Local: 0.8, External: 0.2001}
	if err := w.Validate(); err != nil {
		t.Fatalf("expected weights within epsilon to validate, got %v", err)
	}
}

func TestUnionCategoriesDedupes(t *testing.T) {
	got := UnionCategories([]string{"ssh-bruteforce", "port-scan"}, []string{"port-scan", "malware"})
	want := []string{"ssh-bruteforce", "port-scan", "malware"}
	if len(got) != len(want) {
		t.Fatalf("UnionCategories = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UnionCategories = %v, want %v", got, want)
		}
	}
}
