package crypto

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const maskTolerance = 1e-9

func setupMaskers(t *testing.T, ids []int) map[int]*PairwiseMasker {
	t.Helper()

	keys := make(map[int]*MaskKeys, len(ids))
	peers := make(map[int]uint64, len(ids))
	for _, id := range ids {
		k, err := GenerateMaskKeys(DefaultDHGroup)
		require.NoError(t, err)
		keys[id] = k
		peers[id] = k.Public()
	}

	maskers := make(map[int]*PairwiseMasker, len(ids))
	for _, id := range ids {
		maskers[id] = NewPairwiseMasker(keys[id], id, peers)
	}
	return maskers
}

func TestSharedSeedAgreement(t *testing.T) {
	a := NewMaskKeys(DefaultDHGroup, 1234, 1)
	b := NewMaskKeys(DefaultDHGroup, 98765, 2)

	require.Equal(t, a.SharedSeed(b.Public()), b.SharedSeed(a.Public()))
	require.Equal(t, modExp(3, 1234, 100103), a.Public())

	parsed, err := ParsePublicValue(a.PublicString())
	require.NoError(t, err)
	require.Equal(t, a.Public(), parsed)

	_, err = ParsePublicValue("-3")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestMaskVectorDeterministic(t *testing.T) {
	v1 := MaskVector(42, 16)
	v2 := MaskVector(42, 16)
	require.Equal(t, v1, v2)
	require.NotEqual(t, v1, MaskVector(43, 16))

	for _, x := range v1 {
		require.GreaterOrEqual(t, x, 0.0)
		require.Less(t, x, 1.0)
	}

	// Shorter vectors are prefixes of longer ones.
	require.Equal(t, v1[:4], MaskVector(42, 4))
}

func TestPairwiseMasksCancel(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5}
	// Registration order must not matter.
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	maskers := setupMaskers(t, ids)

	const n = 6
	sum := make([]float64, n)
	for _, id := range ids {
		m := maskers[id]
		for _, peer := range ids {
			if mask := m.pairMask(peer, n); mask != nil {
				AddInplace(sum, mask)
			}
		}
	}
	for i := range sum {
		require.InDelta(t, 0, sum[i], maskTolerance)
	}
}

func TestMaskedSumRecoversTotal(t *testing.T) {
	ids := []int{1, 2, 3}
	maskers := setupMaskers(t, ids)
	weights := map[int][]float64{
		1: {1, 10},
		2: {2, 20},
		3: {3, 30},
	}

	sum := make([]float64, 2)
	for _, id := range ids {
		AddInplace(sum, maskers[id].Mask(weights[id]))
		AddInplace(sum, maskers[id].Secret(2))
	}
	require.InDelta(t, 6, sum[0], maskTolerance)
	require.InDelta(t, 60, sum[1], maskTolerance)
}

func TestRevealCorrectsDropout(t *testing.T) {
	ids := []int{1, 2, 3, 4}
	maskers := setupMaskers(t, ids)
	weights := map[int][]float64{
		1: {2, 4},
		2: {22, 24},
		3: {20, 20},
		4: {40, 40},
	}

	// Node 3 never completes; survivors reveal their masks with it.
	sum := make([]float64, 2)
	for _, id := range []int{1, 2, 4} {
		AddInplace(sum, maskers[id].Mask(weights[id]))
		AddInplace(sum, maskers[id].Secret(2))
		AddInplace(sum, maskers[id].Reveal([]int{3}, 2))
	}
	require.InDelta(t, 64, sum[0], maskTolerance)
	require.InDelta(t, 68, sum[1], maskTolerance)
}

func TestRevealIgnoresSelfAndUnknown(t *testing.T) {
	maskers := setupMaskers(t, []int{1, 2})
	require.Equal(t, []float64{0, 0, 0}, maskers[1].Reveal([]int{1, 99}, 3))
}
