package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzEncryptDecrypt(f *testing.F) {
	// Add seed corpus
	f.Add(0.0, 1.0, 3)
	f.Add(-12.5, 1e9, 1)
	f.Add(1000.00001, 0.5, 40)

	// RSA key generation dominates, so one pair serves every input.
	_, privKey, err := GenerateKeyPair(DefaultKeySize)
	if err != nil {
		f.Fatalf("failed to generate key: %v", err)
	}
	_, wrongKey, err := GenerateKeyPair(DefaultKeySize)
	if err != nil {
		f.Fatalf("failed to generate key: %v", err)
	}

	f.Fuzz(func(t *testing.T, start, step float64, n int) {
		if n < 0 || n > 256 {
			t.Skip()
		}
		vector := make([]float64, n)
		for i := range vector {
			vector[i] = start + float64(i)*step
		}

		for _, mode := range []SymmetricMode{LegacyMode, GCMMode} {
			encrypted, err := Encrypt(vector, privKey.PublicKey(), mode)
			if err != nil {
				t.Fatalf("encryption failed: %v", err)
			}

			// Invariant 1: Round-trip preserves the vector
			decrypted, err := Decrypt(encrypted, privKey)
			if err != nil {
				t.Fatalf("decryption failed: %v", err)
			}
			if len(decrypted) != len(vector) {
				t.Fatalf("round trip changed length: got %d, want %d", len(decrypted), len(vector))
			}
			for i := range vector {
				if decrypted[i] != vector[i] && !(decrypted[i] != decrypted[i] && vector[i] != vector[i]) {
					t.Errorf("element %d: got %v, want %v", i, decrypted[i], vector[i])
				}
			}

			// Invariant 2: Wrong key fails decryption
			if _, err := Decrypt(encrypted, wrongKey); err == nil {
				t.Error("decryption with wrong key should fail")
			}
		}
	})
}

func TestEnvelopeLegacyFormat(t *testing.T) {
	pub, priv, err := GenerateKeyPair(DefaultKeySize)
	require.NoError(t, err)

	env, err := Encrypt([]float64{1.5, 2.25}, pub, LegacyMode)
	require.NoError(t, err)
	require.Empty(t, env.Mode)

	ciphertext, err := base64.StdEncoding.DecodeString(env.Message)
	require.NoError(t, err)
	require.Zero(t, len(ciphertext)%16)

	wrapped, err := base64.StdEncoding.DecodeString(env.Key)
	require.NoError(t, err)
	require.Len(t, wrapped, DefaultKeySize/8)

	got, err := Decrypt(env, priv)
	require.NoError(t, err)
	require.Equal(t, []float64{1.5, 2.25}, got)
}

func TestEnvelopeFreshKeyPerMessage(t *testing.T) {
	pub, _, err := GenerateKeyPair(DefaultKeySize)
	require.NoError(t, err)

	a, err := Encrypt([]float64{42}, pub, LegacyMode)
	require.NoError(t, err)
	b, err := Encrypt([]float64{42}, pub, LegacyMode)
	require.NoError(t, err)

	require.NotEqual(t, a.Key, b.Key)
	require.NotEqual(t, a.Message, b.Message)
}

func TestDecryptCorruptedEnvelope(t *testing.T) {
	pub, priv, err := GenerateKeyPair(DefaultKeySize)
	require.NoError(t, err)

	for _, mode := range []SymmetricMode{LegacyMode, GCMMode} {
		env, err := Encrypt([]float64{7, 8, 9}, pub, mode)
		require.NoError(t, err)

		corrupted := *env
		corrupted.Key = "not base64!"
		_, err = Decrypt(&corrupted, priv)
		require.ErrorIs(t, err, ErrCrypto)

		corrupted = *env
		corrupted.Message = base64.StdEncoding.EncodeToString([]byte("short"))
		_, err = Decrypt(&corrupted, priv)
		require.ErrorIs(t, err, ErrCrypto)
	}

	_, err = Decrypt(nil, priv)
	require.ErrorIs(t, err, ErrCrypto)

	_, err = Encrypt([]float64{1}, pub, SymmetricMode("rot13"))
	require.ErrorIs(t, err, ErrCrypto)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	pub, _, err := GenerateKeyPair(DefaultKeySize)
	require.NoError(t, err)

	parsed, err := NewPublicKeyFromPEM(pub.String())
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))

	_, err = NewPublicKeyFromPEM("garbage")
	require.ErrorIs(t, err, ErrCrypto)
}
