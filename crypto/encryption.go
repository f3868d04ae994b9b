package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/hkdf"
)

// ErrCrypto is returned when a key cannot be unwrapped or a payload cannot be decrypted.
var ErrCrypto = errors.New("crypto failure")

// SymmetricMode selects how the per-message key encrypts the payload.
type SymmetricMode string

const (
	// LegacyMode encrypts base64(payload) padded with '^' block by block
	// under AES-256 with no nonce. Interoperates with existing participants.
	LegacyMode SymmetricMode = "legacy"
	// GCMMode encrypts the payload with AES-256-GCM and a fresh random nonce.
	GCMMode SymmetricMode = "gcm"
)

const (
	messageKeySize = 32
	legacyPadding  = '^'
	gcmKeyInfo     = "safe-envelope-gcm-v1"
)

var msgpackHandle = &codec.MsgpackHandle{}

// Envelope is a vector encrypted for a single relay hop.
// Message carries the base64 ciphertext, Key the base64 RSA-wrapped message key.
type Envelope struct {
	Message string        `json:"message"`
	Key     string        `json:"key"`
	Mode    SymmetricMode `json:"mode,omitempty"`
}

// Encrypt wraps vector for the holder of recipient's private key.
// A fresh message key is generated for every call.
func Encrypt(vector []float64, recipient *PublicKey, mode SymmetricMode) (*Envelope, error) {
	if recipient == nil || recipient.key == nil {
		return nil, fmt.Errorf("%w: missing recipient key", ErrCrypto)
	}

	messageKey := make([]byte, messageKeySize)
	if _, err := rand.Read(messageKey); err != nil {
		return nil, fmt.Errorf("generate message key: %w", err)
	}

	wrappedKey, err := rsa.EncryptPKCS1v15(rand.Reader, recipient.key, messageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap message key: %v", ErrCrypto, err)
	}

	payload, err := encodeVector(vector)
	if err != nil {
		return nil, err
	}

	var ciphertext []byte
	switch mode {
	case "", LegacyMode:
		ciphertext, err = legacyEncrypt(payload, messageKey)
		mode = ""
	case GCMMode:
		ciphertext, err = gcmEncrypt(payload, messageKey, wrappedKey)
	default:
		return nil, fmt.Errorf("%w: unknown symmetric mode %q", ErrCrypto, mode)
	}
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Message: base64.StdEncoding.EncodeToString(ciphertext),
		Key:     base64.StdEncoding.EncodeToString(wrappedKey),
		Mode:    mode,
	}, nil
}

// Decrypt unwraps the message key with sk and decrypts the vector.
// Every failure wraps ErrCrypto.
func Decrypt(env *Envelope, sk *PrivateKey) ([]float64, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrCrypto)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wrapped key: %v", ErrCrypto, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: decode message: %v", ErrCrypto, err)
	}

	messageKey, err := rsa.DecryptPKCS1v15(nil, sk.key, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap message key: %v", ErrCrypto, err)
	}
	if len(messageKey) != messageKeySize {
		return nil, fmt.Errorf("%w: message key has %d bytes", ErrCrypto, len(messageKey))
	}

	var payload []byte
	switch env.Mode {
	case "", LegacyMode:
		payload, err = legacyDecrypt(ciphertext, messageKey)
	case GCMMode:
		payload, err = gcmDecrypt(ciphertext, messageKey, wrappedKey)
	default:
		return nil, fmt.Errorf("%w: unknown symmetric mode %q", ErrCrypto, env.Mode)
	}
	if err != nil {
		return nil, err
	}

	return decodeVector(payload)
}

func encodeVector(vector []float64) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(vector); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return out, nil
}

func decodeVector(payload []byte) ([]float64, error) {
	var vector []float64
	if err := codec.NewDecoderBytes(payload, msgpackHandle).Decode(&vector); err != nil {
		return nil, fmt.Errorf("%w: decode vector: %v", ErrCrypto, err)
	}
	return vector, nil
}

func legacyEncrypt(payload, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	text := []byte(base64.StdEncoding.EncodeToString(payload))
	if rem := len(text) % aes.BlockSize; rem != 0 {
		text = append(text, bytes.Repeat([]byte{legacyPadding}, aes.BlockSize-rem)...)
	}

	out := make([]byte, len(text))
	for i := 0; i < len(text); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], text[i:i+aes.BlockSize])
	}
	return out, nil
}

func legacyDecrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrCrypto)
	}

	text := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(text[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}

	payload, err := base64.StdEncoding.DecodeString(string(bytes.TrimRight(text, string(legacyPadding))))
	if err != nil {
		return nil, fmt.Errorf("%w: decode padded payload: %v", ErrCrypto, err)
	}
	return payload, nil
}

func newGCM(messageKey, wrappedKey []byte) (cipher.AEAD, error) {
	aesKey := make([]byte, messageKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, messageKey, wrappedKey, []byte(gcmKeyInfo)), aesKey); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %v", ErrCrypto, err)
	}
	return gcm, nil
}

func gcmEncrypt(payload, messageKey, wrappedKey []byte) ([]byte, error) {
	gcm, err := newGCM(messageKey, wrappedKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Nonce is prefixed to the sealed payload.
	return gcm.Seal(nonce, nonce, payload, wrappedKey), nil
}

func gcmDecrypt(ciphertext, messageKey, wrappedKey []byte) ([]byte, error) {
	gcm, err := newGCM(messageKey, wrappedKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	payload, err := gcm.Open(nil, nonce, sealed, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return payload, nil
}
