package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ruteri/wallet-kms/secret"
)

// CompressedPubKeySize is the length of a SEC1 compressed secp256k1 public key.
const CompressedPubKeySize = 33

// ErrInvalidPayload is returned when an encrypted payload does not have the
// expected layout.
var ErrInvalidPayload = errors.New("invalid encrypted payload")

// SharedKey computes the DIP-15 ECDH key between priv and pub:
// SHA256((y is odd ? 0x03 : 0x02) || x) of the shared point.
func SharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) (*secret.Secret, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("ecdh requires both a private and a public key")
	}

	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	// The compressed encoding of the shared point is exactly prefix || x.
	shared := btcec.NewPublicKey(&result.X, &result.Y).SerializeCompressed()
	digest := sha256.Sum256(shared)
	Wipe(shared)

	return secret.New(digest[:])
}

// EncryptToPublicKey encrypts data so that only the holder of the private key
// matching pub can read it. A fresh ephemeral key is generated for every call.
//
// Format: ephemeral_pubkey(33) || nonce(12) || ciphertext+tag
func EncryptToPublicKey(pub *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer ephemeral.Zero()

	key, err := SharedKey(ephemeral, pub)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	aead, err := newRawGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}

	out := make([]byte, 0, CompressedPubKeySize+NonceSize+len(plaintext)+TagSize)
	out = append(out, ephemeral.PubKey().SerializeCompressed()...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptToPublicKey.
func DecryptWithPrivateKey(priv *btcec.PrivateKey, data []byte) ([]byte, error) {
	if len(data) < CompressedPubKeySize+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidPayload, len(data))
	}

	ephemeralPub, err := btcec.ParsePubKey(data[:CompressedPubKeySize])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse ephemeral public key: %v", ErrInvalidPayload, err)
	}

	key, err := SharedKey(priv, ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	aead, err := newRawGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := data[CompressedPubKeySize : CompressedPubKeySize+NonceSize]
	plaintext, err := aead.Open(nil, nonce, data[CompressedPubKeySize+NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// newRawGCM builds AES-256-GCM without the wallet associated data, for
// payloads whose format is fixed by an external protocol.
func newRawGCM(key *secret.Secret) (cipher.AEAD, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, key.Len())
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
