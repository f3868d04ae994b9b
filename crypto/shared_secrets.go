package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

// DHGroup is the small multiplicative group used to agree on pairwise mask seeds.
// It offers no real security; it exists so participants can derive matching
// seeds from values published through the coordinator.
type DHGroup struct {
	Base uint64
	Mod  uint64
}

// DefaultDHGroup is the group every participant uses unless configured otherwise.
var DefaultDHGroup = DHGroup{Base: 3, Mod: 100103}

// MaskKeys holds a participant's private scalar, its published value and the
// send key seeding its private mask.
type MaskKeys struct {
	group   DHGroup
	secret  uint64
	sendKey uint64
	public  uint64
}

// GenerateMaskKeys draws a private scalar and a send key uniformly from [0, mod).
func GenerateMaskKeys(group DHGroup) (*MaskKeys, error) {
	if group.Mod < 2 {
		return nil, fmt.Errorf("invalid group modulus %d", group.Mod)
	}
	secret, err := randBelow(group.Mod)
	if err != nil {
		return nil, err
	}
	sendKey, err := randBelow(group.Mod)
	if err != nil {
		return nil, err
	}
	return NewMaskKeys(group, secret, sendKey), nil
}

// NewMaskKeys builds key material from known scalars.
func NewMaskKeys(group DHGroup, secret, sendKey uint64) *MaskKeys {
	return &MaskKeys{
		group:   group,
		secret:  secret,
		sendKey: sendKey,
		public:  modExp(group.Base, secret, group.Mod),
	}
}

// Public returns base^secret mod mod.
func (k *MaskKeys) Public() uint64 {
	return k.public
}

// PublicString returns the public value in the decimal form registered with the coordinator.
func (k *MaskKeys) PublicString() string {
	return strconv.FormatUint(k.public, 10)
}

// SharedSeed returns peerPublic^secret mod mod, which equals the value the
// peer derives from this participant's public value.
func (k *MaskKeys) SharedSeed(peerPublic uint64) uint64 {
	return modExp(peerPublic%k.group.Mod, k.secret, k.group.Mod)
}

// SendKey returns the seed of the private mask.
func (k *MaskKeys) SendKey() uint64 {
	return k.sendKey
}

// ParsePublicValue parses a decimal public value as registered by a participant.
func ParsePublicValue(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid public value %q", ErrCrypto, s)
	}
	return v, nil
}

func modExp(base, exp, mod uint64) uint64 {
	if mod == 1 {
		return 0
	}
	result := uint64(1)
	base %= mod
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base, mod)
		}
		base = mulMod(base, base, mod)
		exp >>= 1
	}
	return result
}

func mulMod(a, b, mod uint64) uint64 {
	if a < 1<<32 && b < 1<<32 {
		return a * b % mod
	}
	r := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	return r.Mod(r, new(big.Int).SetUint64(mod)).Uint64()
}

func randBelow(n uint64) (uint64, error) {
	v, err := rand.Int(rand.Reader, new(big.Int).SetUint64(n))
	if err != nil {
		return 0, fmt.Errorf("draw random scalar: %w", err)
	}
	return v.Uint64(), nil
}
