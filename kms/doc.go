// Package kms implements the wallet key management service.
//
// A KMS is bound to one store file and starts locked. Locked, it can list key
// handles and return the public key of raw keys. Unlock returns a Session
// bound to one user; the session holds the decrypted master storage key and
// any seeds it opened, and Close wipes them:
//
//	k, err := kms.New("/var/lib/wallet/kms.json", logger)
//	session, err := k.Unlock("alice", password)
//	defer session.Close()
//
//	seed, err := session.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), seedMaterial)
//	key, err := session.DeriveKeyPair(seed, path)
//	sig, err := session.Sign(key, digest)
//
// # Storage key hierarchy
//
// All key material is encrypted with AES-256-GCM under a random 32-byte
// master storage key. Each user record wraps the master key under
// Argon2id(password, user id context || salt). The first Unlock on an empty
// store creates the master key; afterwards only known users can unlock, and
// sessions can add, remove and re-key users.
//
// # Records
//
//   - raw keys: private key encrypted under the master key
//   - derivation seeds: seed encrypted under the master key, addressed by SHA-256(seed)
//   - derived keys: public data only, recomputed from the open seed on use
//   - users: wrapped master key, salt and KDF parameters
//
// # Backups
//
// Session.Export writes every raw key and seed into a backup image encrypted
// under a caller key, and Session.Import restores it. SplitBackupKey and
// ShareCollector distribute that key among custodians with Shamir's secret
// sharing.
package kms
