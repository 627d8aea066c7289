package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/ruteri/wallet-kms/secret"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of every symmetric key used by the engine (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16

	// AssociatedData binds at-rest ciphertexts to this wallet format.
	AssociatedData = "dash_platform_wallet"
)

var (
	// ErrAuthenticationFailed is returned when a GCM tag does not verify:
	// wrong key, wrong nonce or tampered ciphertext.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrKeyDerivation is returned when the KDF cannot run with the given parameters.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrInvalidKey is returned when a symmetric key is not KeySize bytes.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidNonce is returned when a nonce does not have NonceSize bytes.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrEncryption is returned when encryption itself fails (e.g. no entropy).
	ErrEncryption = errors.New("encryption failed")
)

// KDFParams pins the Argon2id cost parameters. They are persisted alongside
// every salt so stored data stays readable if the defaults change.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams are the OWASP-recommended Argon2id parameters
// (m=19 MiB, t=2, p=1). Existing wallet files were written with them.
var DefaultKDFParams = KDFParams{
	Time:      2,
	MemoryKiB: 19 * 1024,
	Threads:   1,
}

// Validate checks that the parameters describe a runnable Argon2id instance.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) {
		return fmt.Errorf("%w: invalid argon2 parameters %+v", ErrKeyDerivation, p)
	}
	return nil
}

// DeriveKey derives a 32-byte key from a password and salt with DefaultKDFParams.
func DeriveKey(password *secret.Secret, salt []byte) (*secret.Secret, error) {
	return DeriveKeyWithParams(password, salt, DefaultKDFParams)
}

// DeriveKeyWithParams derives a 32-byte key from a password and salt using Argon2id.
// The output is deterministic for identical inputs.
func DeriveKeyWithParams(password *secret.Secret, salt []byte, params KDFParams) (*secret.Secret, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrKeyDerivation)
	}

	key := argon2.IDKey(password.Bytes(), salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	return secret.New(key)
}

// Encrypt seals plaintext with AES-256-GCM under key and a fresh random nonce.
func Encrypt(plaintext []byte, key *secret.Secret) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}

	return aead.Seal(nil, nonce, plaintext, []byte(AssociatedData)), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A failed tag check is
// reported as ErrAuthenticationFailed.
func Decrypt(ciphertext, nonce []byte, key *secret.Secret) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonce, NonceSize, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(AssociatedData))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DecryptSecret is like Decrypt but moves the plaintext straight into a Secret.
func DecryptSecret(ciphertext, nonce []byte, key *secret.Secret) (*secret.Secret, error) {
	plaintext, err := Decrypt(ciphertext, nonce, key)
	if err != nil {
		return nil, err
	}
	return secret.New(plaintext)
}

// SealWithNonce encrypts plaintext and returns nonce || ciphertext.
func SealWithNonce(plaintext []byte, key *secret.Secret) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenWithNonce reverses SealWithNonce.
func OpenWithNonce(data []byte, key *secret.Secret) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: payload too short", ErrAuthenticationFailed)
	}
	return Decrypt(data[NonceSize:], data[:NonceSize], key)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

func newGCM(key *secret.Secret) (cipher.AEAD, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, key.Len())
	}

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
