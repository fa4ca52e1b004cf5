// Package parallax tolerance-based verification for floating-point results
package parallax

import (
	"fmt"
	"math"
)

// Device and host executions of the same operation are equal for element-wise
// kernels but only tolerance-equal for reductions, whose grouping reorders
// the fold. These helpers give tests and callers a shared definition of
// "close enough".

// ToleranceConfig defines tolerance parameters for float comparison
type ToleranceConfig struct {
	// AbsTol is the absolute tolerance for values near zero
	AbsTol float32

	// RelTol is the relative tolerance as a fraction of the larger value
	RelTol float32

	// ULPTol is the maximum allowed difference in ULPs
	ULPTol int

	// CheckNaN treats two NaNs as equal
	CheckNaN bool

	// CheckInf treats same-signed infinities as equal
	CheckInf bool
}

// DefaultTolerance returns the tolerance for element-wise comparisons
func DefaultTolerance() ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   1e-7,
		RelTol:   1e-5,
		ULPTol:   4,
		CheckNaN: true,
		CheckInf: true,
	}
}

// ReduceTolerance returns the tolerance for reduction results, where
// grouped folding accumulates round-off
func ReduceTolerance() ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   1e-4,
		RelTol:   1e-3,
		ULPTol:   64,
		CheckNaN: true,
		CheckInf: true,
	}
}

// StrictTolerance returns a near-bit-exact tolerance
func StrictTolerance() ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   1e-9,
		RelTol:   1e-7,
		ULPTol:   1,
		CheckNaN: true,
		CheckInf: true,
	}
}

// Float32NearEqual checks if two float32 values are equal within tolerance
func Float32NearEqual(a, b float32, tol ToleranceConfig) bool {
	if tol.CheckNaN && math.IsNaN(float64(a)) && math.IsNaN(float64(b)) {
		return true
	}
	if tol.CheckInf {
		if math.IsInf(float64(a), 1) && math.IsInf(float64(b), 1) {
			return true
		}
		if math.IsInf(float64(a), -1) && math.IsInf(float64(b), -1) {
			return true
		}
	}

	// Any non-finite operand not matched above is a mismatch. The tolerance
	// arithmetic below would otherwise accept pairs like +Inf vs -Inf
	// (Inf <= Inf) or two NaNs with identical bit patterns (ULP diff 0).
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return false
	}
	if math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0) {
		return false
	}

	// Exact match handles ±0
	if a == b {
		return true
	}

	diff := math.Abs(float64(a - b))
	if diff <= float64(tol.AbsTol) {
		return true
	}

	larger := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	if diff <= larger*float64(tol.RelTol) {
		return true
	}

	if tol.ULPTol > 0 && Float32ULPDiff(a, b) <= tol.ULPTol {
		return true
	}
	return false
}

// Float32ULPDiff computes the difference in ULPs between two float32 values
func Float32ULPDiff(a, b float32) int {
	aBits := math.Float32bits(a)
	bBits := math.Float32bits(b)

	// Opposite signs: no meaningful ULP distance
	if (aBits^bBits)&0x80000000 != 0 {
		return math.MaxInt32
	}

	if aBits > bBits {
		return int(aBits - bBits)
	}
	return int(bBits - aBits)
}

// VerificationResult summarizes an element-wise comparison of two arrays
type VerificationResult struct {
	MaxAbsError float32
	MaxRelError float32
	MaxULPError int
	NumErrors   int
	TotalItems  int
	FirstError  int // Index of first mismatch, -1 if none
}

// VerifyFloat32Array compares two float32 arrays and returns detailed results
func VerifyFloat32Array(expected, actual []float32, tol ToleranceConfig) VerificationResult {
	result := VerificationResult{
		TotalItems: len(expected),
		FirstError: -1,
	}
	if len(expected) != len(actual) {
		result.NumErrors = len(expected)
		return result
	}

	for i := range expected {
		if Float32NearEqual(expected[i], actual[i], tol) {
			continue
		}
		result.NumErrors++
		if result.FirstError == -1 {
			result.FirstError = i
		}

		absDiff := float32(math.Abs(float64(expected[i] - actual[i])))
		if absDiff > result.MaxAbsError {
			result.MaxAbsError = absDiff
		}
		if expected[i] != 0 {
			relDiff := absDiff / float32(math.Abs(float64(expected[i])))
			if relDiff > result.MaxRelError {
				result.MaxRelError = relDiff
			}
		}
		if ulp := Float32ULPDiff(expected[i], actual[i]); ulp > result.MaxULPError {
			result.MaxULPError = ulp
		}
	}
	return result
}

// IsAcceptable returns true if the verification result is within tolerance
func (r VerificationResult) IsAcceptable(tol ToleranceConfig) bool {
	return r.NumErrors == 0 ||
		(r.MaxAbsError <= tol.AbsTol &&
			r.MaxRelError <= tol.RelTol &&
			r.MaxULPError <= tol.ULPTol)
}

// String formats the verification result for display
func (r VerificationResult) String() string {
	if r.NumErrors == 0 {
		return "PASS: all values match within tolerance"
	}
	errorRate := float64(r.NumErrors) / float64(r.TotalItems) * 100
	return fmt.Sprintf("FAIL: %d/%d values differ (%.2f%%)\n"+
		"  Max absolute error: %e\n"+
		"  Max relative error: %e\n"+
		"  Max ULP difference: %d\n"+
		"  First error at index: %d",
		r.NumErrors, r.TotalItems, errorRate,
		r.MaxAbsError, r.MaxRelError, r.MaxULPError,
		r.FirstError)
}
