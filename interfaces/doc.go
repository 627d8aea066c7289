// Package interfaces defines the vocabulary shared by the wallet KMS packages,
// separating contracts from implementations.
//
// # Key Handles
//
// KeyHandle addresses a managed key without carrying private material. It has
// three variants (RawKey, DerivationSeed, Derived) with a canonical text form
// that doubles as the storage key:
//
//	RawKey(bytes=<HEX>, type=<KeyType>)
//	DerivationSeed(seed_hash=<HEX32>, network=<Network>)
//	Derived(seed_hash=<HEX32>, derivation_path=<Path>, network=<Network>)
//
// KeyType and Network are explicit tokens; DerivationPath is a BIP32 path in
// "m/44'/5'/0'/0/0" notation.
//
// # KMS Interfaces
//
// LockedKMS lists handles and resolves public keys without a password.
// UnlockedKMS is a per-user session that generates, derives, signs, decrypts
// and exports. Signer is the narrow signing contract handed to callers that
// build and broadcast state transitions.
//
// # Storage Interfaces
//
// KVStore is the durable ordered map the KMS persists records in.
// StorageBackend is a content-addressed blob store used for encrypted exports.
package interfaces
