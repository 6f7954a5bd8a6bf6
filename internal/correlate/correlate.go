// Package correlate fuses per-source confidence into a single
// final_confidence score and computes the union of categories; the
// provenance list is assembled by the caller. It is pure: no I/O, no
// package-level mutable state beyond the validated Weights passed in by
// the caller.
package correlate

import (
	"fmt"
	"math"
)

// weightEpsilon matches original_source's correlation.py tolerance for
// the local+external weight-sum invariant.
const weightEpsilon = 0.001

// Weights are the scoring weights a Correlator applies. They must be
// validated once at process startup via Validate, not per call.
type Weights struct {
	Local    float64
	External float64
}

// Validate enforces the CONFIG invariant spec.md §4.4 requires: the
// weights must sum to 1.0 within weightEpsilon.
func (w Weights) Validate() error {
	sum := w.Local + w.External
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("correlate: CONFIG: weights must sum to 1.0 (got %.4f)", sum)
	}
	return nil
}

// Input is the per-source confidence pair a Correlator fuses. A nil
// pointer means that source did not contribute.
type Input struct {
	Local    *int
	External *int
}

// Options carries the tunables spec.md's table references beyond the
// two weights: the local boost applied at L>=75 and the floor it
// enforces.
type Options struct {
	Weights                Weights
	LocalConfidenceBoost   int
	MinimumFinalConfidence int
}

// FinalConfidence computes final_confidence per spec.md §4.4's table.
// It is deterministic: identical inputs always produce identical
// output.
func FinalConfidence(in Input, opts Options) int {
	switch {
	case in.Local != nil && in.External != nil:
		score := float64(*in.Local)*opts.Weights.Local + float64(*in.External)*opts.Weights.External
		if *in.Local >= 75 {
			score = floorAt(score, opts.MinimumFinalConfidence)
		}
		return clamp(int(math.Round(score)))

	case in.Local != nil:
		l := *in.Local
		if l >= 75 {
			return clamp(maxInt(l+opts.LocalConfidenceBoost, opts.MinimumFinalConfidence))
		}
		return clamp(l)

	case in.External != nil:
		score := float64(*in.External) * opts.Weights.External
		return clamp(int(math.Round(score)))

	default:
		return 0
	}
}

func floorAt(score float64, floor int) float64 {
	if score < float64(floor) {
		return float64(floor)
	}
	return score
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// UnionCategories returns the deduplicated union of two category sets,
// preserving the order categories are first seen in local then
// external.
func UnionCategories(local, external []string) []string {
	seen := make(map[string]struct{}, len(local)+len(external))
	out := make([]string, 0, len(local)+len(external))
	for _, c := range append(append([]string{}, local...), external...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
