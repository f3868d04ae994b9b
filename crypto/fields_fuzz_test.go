package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzAddSubInplace(f *testing.F) {
	f.Add(1.0, 2.0, 3)
	f.Add(-1e6, 0.125, 1)
	f.Add(0.0, 0.0, 0)

	f.Fuzz(func(t *testing.T, a, b float64, n int) {
		if n < 0 || n > 100 || a != a || b != b || a > 1e12 || a < -1e12 || b > 1e12 || b < -1e12 {
			t.Skip()
		}
		l := make([]float64, n)
		r := make([]float64, n)
		for i := range l {
			l[i] = a * float64(i+1)
			r[i] = b - float64(i)
		}
		orig := CloneVector(l)

		// Invariant: (l + r) - r == l within rounding
		SubInplace(AddInplace(l, r), r)
		for i := range l {
			diff := l[i] - orig[i]
			if diff > 1e-3 || diff < -1e-3 {
				t.Errorf("element %d: got %v, want %v", i, l[i], orig[i])
			}
		}
	})
}

func TestVectorHelpers(t *testing.T) {
	v := []float64{1, 2, 3}
	c := CloneVector(v)
	ScaleInplace(c, 2)
	require.Equal(t, []float64{1, 2, 3}, v)
	require.Equal(t, []float64{2, 4, 6}, c)

	require.True(t, SameLength())
	require.True(t, SameLength(v, c))
	require.False(t, SameLength(v, []float64{1}))

	require.Panics(t, func() { AddInplace(v, []float64{1}) })
}
