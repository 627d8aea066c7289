// Package storage holds the persistence layers of the wallet KMS.
//
// FileStore is a generic key-value store persisted as one JSON document. It
// backs the KMS key and user records. Every mutation is written through to
// disk with the temp file + fsync + rename pattern, and a failed write leaves
// both the file and the in-memory map unchanged.
//
// The remaining types are content-addressed backends for encrypted backups
// and backup key shares. A blob is identified by the SHA-256 of its bytes and
// stored under a per-type prefix ("backups" or "shares"):
//
//   - file:///var/lib/wallet-kms/backups
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=host
//   - ipfs://localhost:5001/wallet-kms?timeout=30s
//   - vault://vault.example.com:8200/secret/wallet-kms?token_env=VAULT_TOKEN
//
// StorageBackendFactory builds a backend from such a URI, and
// CreateMultiBackend combines several into a MultiStorageBackend that writes
// to every reachable backend and reads from the first one that has the blob.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
//	    "file:///var/lib/wallet-kms/backups",
//	    "s3://wallet-backups/prod?region=eu-west-1",
//	})
//	id, err := backend.Store(ctx, encryptedExport, interfaces.BackupType)
package storage
