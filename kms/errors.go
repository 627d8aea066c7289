package kms

import (
	"errors"
	"fmt"

	"github.com/ruteri/wallet-kms/interfaces"
)

var (
	// ErrInvalidCredentials covers every unlock failure caused by the caller:
	// unknown user, wrong password or empty user id.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrKeyNotFound is returned when a handle is not present in the store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotSupported is returned for key types or handle kinds an operation
	// has no algorithm for.
	ErrNotSupported = errors.New("operation not supported for this key")

	// ErrSeedLocked is returned when an operation needs an open derivation seed.
	ErrSeedLocked = errors.New("derivation seed is locked")

	// ErrKeyIntegrity is returned when a stored record does not match its handle.
	ErrKeyIntegrity = errors.New("stored key record does not match its handle")

	// ErrInvalidDerivationPath is returned for malformed or underivable paths.
	ErrInvalidDerivationPath = interfaces.ErrInvalidDerivationPath

	// ErrKeyGeneration is returned when key material cannot be produced from
	// the supplied seed material.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrInvalidDigest is returned when a digest is not 32 bytes.
	ErrInvalidDigest = errors.New("digest must be 32 bytes")

	// ErrInvalidBackup is returned when an export blob cannot be parsed.
	ErrInvalidBackup = errors.New("invalid backup")

	ErrUserExists           = errors.New("user already exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrCannotRemoveLastUser = errors.New("cannot remove the last user")
	ErrSessionClosed        = errors.New("session is closed")
)

// KeyError records the operation and key an error occurred for.
type KeyError struct {
	Op     string
	Handle string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

func keyError(op string, handle interfaces.KeyHandle, err error) error {
	return &KeyError{Op: op, Handle: handle.String(), Err: err}
}
