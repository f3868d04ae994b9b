// Package crypto provides the cryptographic primitives of the aggregation protocols.
//
// This package implements:
//
//   - Envelopes: hybrid encryption of a float vector for one relay hop. A fresh
//     AES-256 message key encrypts the msgpack encoded vector and is wrapped
//     under the recipient's RSA public key (PKCS#1 v1.5).
//   - Blinding: the random vector the ring initiator adds to its value.
//   - Masks: deterministic ChaCha20 mask vectors seeded by pairwise shared values,
//     and the PairwiseMasker combining them so that masks cancel in the sum.
//   - Vector arithmetic on []float64.
//
// # Envelope modes
//
// LegacyMode reproduces the construction existing participants speak: the
// base64 text of the payload is padded with '^' and encrypted block by block
// with no nonce. It hides nothing from an observer able to compare blocks and
// should only be used where interoperability matters. GCMMode uses AES-256-GCM
// with a random nonce and authenticates the wrapped key as additional data.
//
// # Pairwise masks
//
// The group used to derive pairwise seeds (DefaultDHGroup, base 3 modulo
// 100103) is small enough to brute force. Masks derived from it hide values
// from a casual observer only.
package crypto
