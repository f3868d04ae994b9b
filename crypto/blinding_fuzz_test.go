package crypto

import (
	"math"
	"testing"
)

func FuzzRandomBlindingVector(f *testing.F) {
	// Add seed corpus with various parameters
	f.Add(1000.0, 5, 10)
	f.Add(1.0, 0, 1)
	f.Add(50.5, 2, 100)

	f.Fuzz(func(t *testing.T, maxRandom float64, precision int, n int) {
		// Skip invalid inputs
		if n <= 0 || n > 1000 || precision < 0 || precision > 6 || !(maxRandom >= 1 && maxRandom <= 1e6) {
			t.Skip()
		}

		result, err := RandomBlindingVector(n, maxRandom, precision)
		if err != nil {
			t.Fatalf("blinding failed: %v", err)
		}

		// Invariant 1: Output length matches n
		if len(result) != n {
			t.Errorf("output length mismatch: got %d, want %d", len(result), n)
		}

		// Invariant 2: All elements lie in (0, maxRandom] on the precision grid
		scale := math.Pow(10, float64(precision))
		for i, el := range result {
			if el <= 0 || el > maxRandom*(1+1e-12) {
				t.Errorf("element %d out of range: %v", i, el)
			}
			if scaled := el * scale; math.Abs(scaled-math.Round(scaled)) > 1e-6*math.Max(1, scaled) {
				t.Errorf("element %d not at precision %d: %v", i, precision, el)
			}
		}
	})
}

func FuzzMaskVector(f *testing.F) {
	f.Add(uint64(0), 1)
	f.Add(uint64(100102), 10)
	f.Add(uint64(1<<63), 333)

	f.Fuzz(func(t *testing.T, seed uint64, n int) {
		if n < 0 || n > 4096 {
			t.Skip()
		}

		v := MaskVector(seed, n)

		// Invariant 1: Output length matches n
		if len(v) != n {
			t.Fatalf("output length mismatch: got %d, want %d", len(v), n)
		}

		// Invariant 2: Values are in [0, 1)
		for i, el := range v {
			if el < 0 || el >= 1 {
				t.Errorf("element %d out of range: %v", i, el)
			}
		}

		// Invariant 3: Deterministic
		again := MaskVector(seed, n)
		for i := range v {
			if v[i] != again[i] {
				t.Fatalf("element %d differs between calls", i)
			}
		}
	})
}
