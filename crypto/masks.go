package crypto

import "sort"

// PairwiseMasker masks a participant's weights so that the masks of all
// participants cancel in the sum, leaving only the private masks which each
// participant later cancels by publishing its secret.
type PairwiseMasker struct {
	keys  *MaskKeys
	id    int
	peers map[int]uint64
}

// NewPairwiseMasker creates a masker for participant id.
// peers maps every registered participant id (own id included) to its public value.
func NewPairwiseMasker(keys *MaskKeys, id int, peers map[int]uint64) *PairwiseMasker {
	return &PairwiseMasker{keys: keys, id: id, peers: peers}
}

// ID returns the participant id the masker was created for.
func (m *PairwiseMasker) ID() int {
	return m.id
}

// pairMask returns the mask this participant applies for its pair with peer,
// signed positive when peer > id and negative when peer < id.
func (m *PairwiseMasker) pairMask(peer int, n int) []float64 {
	public, ok := m.peers[peer]
	if !ok || peer == m.id {
		return nil
	}
	mask := MaskVector(m.keys.SharedSeed(public), n)
	if peer < m.id {
		ScaleInplace(mask, -1)
	}
	return mask
}

// Mask returns weights plus every pairwise mask plus the private mask.
func (m *PairwiseMasker) Mask(weights []float64) []float64 {
	n := len(weights)
	res := CloneVector(weights)
	for _, peer := range m.sortedPeers() {
		if mask := m.pairMask(peer, n); mask != nil {
			AddInplace(res, mask)
		}
	}
	AddInplace(res, MaskVector(m.keys.SendKey(), n))
	return res
}

// Secret returns the negated private mask.
func (m *PairwiseMasker) Secret(n int) []float64 {
	return ScaleInplace(MaskVector(m.keys.SendKey(), n), -1)
}

// Reveal returns the correction cancelling this participant's pairwise masks
// with every participant in failed.
func (m *PairwiseMasker) Reveal(failed []int, n int) []float64 {
	res := make([]float64, n)
	for _, peer := range failed {
		if mask := m.pairMask(peer, n); mask != nil {
			SubInplace(res, mask)
		}
	}
	return res
}

// Peers returns the ids of every known participant in ascending order.
func (m *PairwiseMasker) Peers() []int {
	return m.sortedPeers()
}

func (m *PairwiseMasker) sortedPeers() []int {
	ids := make([]int, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
