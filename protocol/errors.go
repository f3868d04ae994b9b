package protocol

import (
	"errors"

	"github.com/cablelabs/safe/crypto"
)

var (
	// ErrTimeout is returned when a bounded wait expires. For SAFE it triggers
	// re-initiation; for INSEC it is fatal to the caller.
	ErrTimeout = errors.New("aggregation timed out")

	// ErrProtocolViolation is returned when a coordinator response is missing
	// an expected field or carries an unrecognized status.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCrypto is returned when an envelope cannot be decrypted.
	ErrCrypto = crypto.ErrCrypto

	// ErrDropout is returned when BON recovery fails a second time.
	ErrDropout = errors.New("participant dropout")

	// ErrMalformedRequest is returned when a coordinator request lacks required fields.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrNotRegistered is returned when aggregation is attempted before registration.
	ErrNotRegistered = errors.New("participant not registered")
)
