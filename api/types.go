package api

import (
	"github.com/ruteri/wallet-kms/interfaces"
)

// KeysResponse lists the key handles of the serving KMS.
type KeysResponse struct {
	Keys []interfaces.KeyHandle `json:"keys"`
}

// PublicKeyResponse carries the hex-encoded public key behind Handle.
type PublicKeyResponse struct {
	Handle    interfaces.KeyHandle `json:"handle"`
	PublicKey string               `json:"public_key"`
}

// SignRequest asks for a signature over a 32-byte hex-encoded digest.
type SignRequest struct {
	Handle interfaces.KeyHandle `json:"handle"`
	Digest string               `json:"digest"`
}

// SignResponse carries a 65-byte compact recoverable signature, hex-encoded.
type SignResponse struct {
	Signature string `json:"signature"`
}

// DeriveRequest registers the child of SeedHandle at Path (e.g. "m/44'/5'/0'/0/0").
type DeriveRequest struct {
	SeedHandle interfaces.KeyHandle `json:"seed_handle"`
	Path       string               `json:"path"`
}

type DeriveResponse struct {
	Handle interfaces.KeyHandle `json:"handle"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RecoveryStartRequest names the encrypted export to restore.
type RecoveryStartRequest struct {
	// BackupID is the hex content ID of the export in the backup backend.
	BackupID string `json:"backup_id"`
}

// RecoveryShareRequest submits one backup key share. Signature is the
// hex-encoded compact signature of sha256(share) by a custodian key; it may
// be empty when the server has no custodians configured.
type RecoveryShareRequest struct {
	Share     string `json:"share"`
	Signature string `json:"signature,omitempty"`
}

// RecoveryStatusResponse describes the recovery process.
type RecoveryStatusResponse struct {
	State     string                 `json:"state"`
	BackupID  string                 `json:"backup_id,omitempty"`
	Threshold int                    `json:"threshold"`
	Submitted int                    `json:"submitted"`
	Imported  []interfaces.KeyHandle `json:"imported,omitempty"`
}
