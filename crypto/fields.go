package crypto

import "fmt"

// AddInplace adds r to l element-wise and returns l.
// Panics if the lengths differ.
func AddInplace(l, r []float64) []float64 {
	if len(l) != len(r) {
		panic(fmt.Sprintf("vector length mismatch: %d != %d", len(l), len(r)))
	}
	for i := range l {
		l[i] += r[i]
	}
	return l
}

// SubInplace subtracts r from l element-wise and returns l.
// Panics if the lengths differ.
func SubInplace(l, r []float64) []float64 {
	if len(l) != len(r) {
		panic(fmt.Sprintf("vector length mismatch: %d != %d", len(l), len(r)))
	}
	for i := range l {
		l[i] -= r[i]
	}
	return l
}

// ScaleInplace multiplies every element of v by f and returns v.
func ScaleInplace(v []float64, f float64) []float64 {
	for i := range v {
		v[i] *= f
	}
	return v
}

// CloneVector returns a copy of v.
func CloneVector(v []float64) []float64 {
	res := make([]float64, len(v))
	copy(res, v)
	return res
}

// SameLength reports whether all vectors share one length.
func SameLength(vs ...[]float64) bool {
	if len(vs) == 0 {
		return true
	}
	for _, v := range vs[1:] {
		if len(v) != len(vs[0]) {
			return false
		}
	}
	return true
}
