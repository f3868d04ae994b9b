package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const maskKeyInfo = "safe-bon-mask-v1"

// MaskVector expands seed into n pseudorandom values in [0, 1).
// The same seed always yields the same vector.
func MaskVector(seed uint64, n int) []float64 {
	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], seed)

	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seedBytes[:], nil, []byte(maskKeyInfo)), key); err != nil {
		panic(err.Error())
	}

	nonce := make([]byte, chacha20.NonceSize)
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		panic(err.Error())
	}

	buf := make([]byte, n*8)
	stream.XORKeyStream(buf, buf)

	res := make([]float64, n)
	for i := range res {
		// top 53 bits give a uniform float64 in [0, 1)
		res[i] = float64(binary.LittleEndian.Uint64(buf[i*8:(i+1)*8])>>11) / (1 << 53)
	}
	return res
}

// RandomBlindingVector draws n values uniformly from {1, ..., maxRandom*10^precision} / 10^precision.
// The ring initiator adds it to its value so relays only ever see a blinded running sum.
func RandomBlindingVector(n int, maxRandom float64, precision int) ([]float64, error) {
	scale := math.Pow(10, float64(precision))
	upper := int64(maxRandom * scale)
	if upper < 1 {
		return nil, fmt.Errorf("blinding bound %v at precision %d is empty", maxRandom, precision)
	}

	res := make([]float64, n)
	bound := big.NewInt(upper)
	for i := range res {
		v, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return nil, fmt.Errorf("draw blinding value: %w", err)
		}
		res[i] = float64(v.Int64()+1) / scale
	}
	return res, nil
}
