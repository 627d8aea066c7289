package interfaces

import (
	"github.com/ruteri/wallet-kms/secret"
)

// Digest is the 32-byte message hash passed to Sign.
type Digest []byte

// Signature is a compact recoverable secp256k1 signature (65 bytes).
type Signature []byte

// PublicKey is a serialized public key (33-byte compressed for secp256k1).
type PublicKey []byte

// Signer is the signing contract consumed by state-transition and broadcast code.
type Signer interface {
	// Sign signs digest with the private key behind handle.
	Sign(handle KeyHandle, digest Digest) (Signature, error)

	// PublicKey resolves handle to its public key.
	PublicKey(handle KeyHandle) (PublicKey, error)
}

// LockedKMS is the KMS surface that never touches plaintext key material.
type LockedKMS interface {
	// Keys lists all key handles in the store.
	Keys() ([]KeyHandle, error)

	// PublicKey resolves handle to its public key where the handle alone carries
	// enough information. Seed-based handles require an unlocked session.
	PublicKey(handle KeyHandle) (PublicKey, error)
}

// UnlockedKMS is a session bound to one user with access to private material.
// Close must be called to wipe decrypted material.
type UnlockedKMS interface {
	Signer

	Keys() ([]KeyHandle, error)

	// GenerateKeyPair registers a new key. For DerivationSeed requests the seed
	// material is stored; for raw keys it seeds key generation.
	GenerateKeyPair(request KeyRequest, seedMaterial *secret.Secret) (KeyHandle, error)

	// DeriveKeyPair derives a child key of an open seed along path.
	DeriveKeyPair(seed KeyHandle, path DerivationPath) (KeyHandle, error)

	// Decrypt decrypts data addressed to the public key behind handle.
	Decrypt(handle KeyHandle, encrypted []byte) ([]byte, error)

	// Export returns all key material encrypted under encryptionKey.
	Export(encryptionKey *secret.Secret) ([]byte, error)

	// Close wipes decrypted material and ends the session.
	Close()
}

// KeyRequest selects what GenerateKeyPair creates: either a raw key of the
// given type or a derivation seed for Network.
type KeyRequest struct {
	Seed    bool
	KeyType KeyType
	Network Network
}

// RawKeyRequest requests a raw key of type kt.
func RawKeyRequest(kt KeyType) KeyRequest {
	return KeyRequest{KeyType: kt}
}

// SeedRequest requests a derivation seed on network.
func SeedRequest(network Network) KeyRequest {
	return KeyRequest{Seed: true, Network: network}
}
