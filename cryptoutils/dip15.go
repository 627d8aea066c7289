package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ruteri/wallet-kms/secret"
)

// DashPay (DIP-15) payload sizes.
const (
	IVSize = aes.BlockSize

	FingerprintSize = 4
	ChainCodeSize   = 32

	// ExtendedPubKeySize is fingerprint || chain code || compressed pubkey.
	ExtendedPubKeySize = FingerprintSize + ChainCodeSize + CompressedPubKeySize

	// EncryptedExtendedPubKeySize is IV || CBC(69 bytes padded to 80).
	EncryptedExtendedPubKeySize = IVSize + 80

	// MaxAccountLabelSize is the longest label accepted for encryption, in bytes.
	MaxAccountLabelSize = 64
)

var (
	// ErrLabelTooLong is returned for account labels over MaxAccountLabelSize bytes.
	ErrLabelTooLong = errors.New("account label too long")

	// ErrInvalidLabel is returned for empty labels or labels that are not UTF-8.
	ErrInvalidLabel = errors.New("invalid account label")

	// ErrInvalidPadding is returned when PKCS7 padding does not verify.
	ErrInvalidPadding = errors.New("invalid PKCS7 padding")
)

// ExtendedPubKey holds the fields DIP-15 transmits for a contact's xpub.
type ExtendedPubKey struct {
	ParentFingerprint [FingerprintSize]byte
	ChainCode         [ChainCodeSize]byte
	PublicKey         [CompressedPubKeySize]byte
}

// Bytes returns the 69-byte serialization.
func (x ExtendedPubKey) Bytes() []byte {
	out := make([]byte, 0, ExtendedPubKeySize)
	out = append(out, x.ParentFingerprint[:]...)
	out = append(out, x.ChainCode[:]...)
	return append(out, x.PublicKey[:]...)
}

// ParseExtendedPubKey splits a 69-byte serialization.
func ParseExtendedPubKey(b []byte) (ExtendedPubKey, error) {
	var x ExtendedPubKey
	if len(b) != ExtendedPubKeySize {
		return x, fmt.Errorf("%w: extended public key must be %d bytes, got %d", ErrInvalidPayload, ExtendedPubKeySize, len(b))
	}
	copy(x.ParentFingerprint[:], b[:FingerprintSize])
	copy(x.ChainCode[:], b[FingerprintSize:FingerprintSize+ChainCodeSize])
	copy(x.PublicKey[:], b[FingerprintSize+ChainCodeSize:])
	return x, nil
}

// EncryptExtendedPublicKey produces IV(16) || CBC-AES-256-PKCS7(xpub), always 96 bytes.
func EncryptExtendedPublicKey(key *secret.Secret, xpub ExtendedPubKey) ([]byte, error) {
	out, err := encryptCBC(key, xpub.Bytes())
	if err != nil {
		return nil, err
	}
	if len(out) != EncryptedExtendedPubKeySize {
		return nil, fmt.Errorf("%w: unexpected payload length %d", ErrEncryption, len(out))
	}
	return out, nil
}

// DecryptExtendedPublicKey reverses EncryptExtendedPublicKey.
func DecryptExtendedPublicKey(key *secret.Secret, payload []byte) (ExtendedPubKey, error) {
	if len(payload) != EncryptedExtendedPubKeySize {
		return ExtendedPubKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPayload, EncryptedExtendedPubKeySize, len(payload))
	}
	plaintext, err := decryptCBC(key, payload)
	if err != nil {
		return ExtendedPubKey{}, err
	}
	return ParseExtendedPubKey(plaintext)
}

// EncryptAccountLabel produces IV(16) || CBC-AES-256-PKCS7(label). For a label
// of L bytes the payload is 16 + ceil((L+1)/16)*16 bytes.
func EncryptAccountLabel(key *secret.Secret, label string) ([]byte, error) {
	if len(label) > MaxAccountLabelSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrLabelTooLong, len(label), MaxAccountLabelSize)
	}
	if len(label) == 0 || !utf8.ValidString(label) {
		return nil, ErrInvalidLabel
	}
	return encryptCBC(key, []byte(label))
}

// DecryptAccountLabel reverses EncryptAccountLabel.
func DecryptAccountLabel(key *secret.Secret, payload []byte) (string, error) {
	if len(payload) < IVSize+aes.BlockSize || len(payload) > IVSize+MaxAccountLabelSize+aes.BlockSize {
		return "", fmt.Errorf("%w: label payload of %d bytes", ErrInvalidPayload, len(payload))
	}
	plaintext, err := decryptCBC(key, payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", ErrInvalidLabel
	}
	return string(plaintext), nil
}

// DecryptExtendedPublicKeyGCM decrypts the GCM-shaped variant
// nonce(12) || ciphertext+tag whose plaintext must be exactly 69 bytes.
func DecryptExtendedPublicKeyGCM(key *secret.Secret, payload []byte) (ExtendedPubKey, error) {
	plaintext, err := openGCMPayload(key, payload)
	if err != nil {
		return ExtendedPubKey{}, err
	}
	return ParseExtendedPubKey(plaintext)
}

// DecryptAccountLabelGCM decrypts the GCM-shaped label variant.
func DecryptAccountLabelGCM(key *secret.Secret, payload []byte) (string, error) {
	plaintext, err := openGCMPayload(key, payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", ErrInvalidLabel
	}
	return string(plaintext), nil
}

// SealGCMPayload is the encrypting counterpart of the GCM-shaped decrypt paths.
func SealGCMPayload(key *secret.Secret, plaintext []byte) ([]byte, error) {
	aead, err := newRawGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCMPayload(key *secret.Secret, payload []byte) ([]byte, error) {
	if len(payload) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidPayload, len(payload))
	}
	aead, err := newRawGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, payload[:NonceSize], payload[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func encryptCBC(key *secret.Secret, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	if _, err := io.ReadFull(rand.Reader, out[:IVSize]); err != nil {
		return nil, fmt.Errorf("%w: failed to generate IV: %v", ErrEncryption, err)
	}

	cipher.NewCBCEncrypter(block, out[:IVSize]).CryptBlocks(out[IVSize:], padded)
	return out, nil
}

func decryptCBC(key *secret.Secret, payload []byte) ([]byte, error) {
	if len(payload) < IVSize+aes.BlockSize || (len(payload)-IVSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrInvalidPayload)
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(payload)-IVSize)
	cipher.NewCBCDecrypter(block, payload[:IVSize]).CryptBlocks(plaintext, payload[IVSize:])
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func newBlock(key *secret.Secret) (cipher.Block, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, key.Len())
	}
	return aes.NewCipher(key.Bytes())
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
