package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of a stored blob.
type ContentID [32]byte

// NewContentIDFromHex parses a 64-character hex content ID, with or without 0x.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return ContentID(hashBytes), nil
}

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType namespaces blobs within a backend.
type ContentType int

const (
	// BackupType for encrypted KMS exports
	BackupType ContentType = iota
	// ShareType for Shamir shares of backup keys
	ShareType
)

// String returns type name, also used as the storage prefix.
func (ct ContentType) String() string {
	switch ct {
	case BackupType:
		return "backups"
	case ShareType:
		return "shares"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a backend URI such as file:///var/backups or
// s3://bucket/prefix?region=eu-west-1.
type StorageBackendLocation string

// Validate checks the URI parses and uses a supported scheme.
func (loc StorageBackendLocation) Validate() error {
	u, err := url.Parse(string(loc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch u.Scheme {
	case "file", "s3", "ipfs", "vault":
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend provides content-addressed storage for backup blobs.
type StorageBackend interface {
	// Fetch retrieves data by content ID and type.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
