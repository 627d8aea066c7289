// Package cryptoutils implements the wallet encryption engine.
//
// It provides two independent groups of primitives:
//
//   - Password-based key derivation: Argon2id turns a password and a salt into a
//     32-byte key. Cost parameters are explicit (KDFParams) so they can be stored
//     next to every salt.
//   - Authenticated encryption: AES-256-GCM with a fresh random 96-bit nonce per
//     call and the fixed associated data "dash_platform_wallet". A failing tag
//     check is always reported as ErrAuthenticationFailed so callers can tell a
//     wrong password from an I/O or format problem.
//
// # DashPay payloads
//
// DIP-15 contact requests carry encrypted extended public keys and account
// labels whose byte layout is fixed by the protocol:
//
//	xpub:  IV(16) || CBC-AES-256-PKCS7(fingerprint(4) || chain_code(32) || pubkey(33))   = 96 bytes
//	label: IV(16) || CBC-AES-256-PKCS7(utf8 label, at most 64 bytes)
//
// A GCM-shaped variant nonce(12) || ciphertext+tag is accepted on the decrypt
// side. The symmetric key for both is the DIP-15 ECDH key
// SHA256((y odd ? 0x03 : 0x02) || x) computed by SharedKey.
//
// # Key Functions
//
//   - DeriveKey / DeriveKeyWithParams
//   - Encrypt / Decrypt / DecryptSecret
//   - EncryptExtendedPublicKey / DecryptExtendedPublicKey
//   - EncryptAccountLabel / DecryptAccountLabel
//   - EncryptToPublicKey / DecryptWithPrivateKey (ECIES on secp256k1)
package cryptoutils
