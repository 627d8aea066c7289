package kms

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/secret"
)

var (
	// ErrInvalidShare is returned for malformed, duplicate or unsigned shares.
	ErrInvalidShare = errors.New("invalid backup key share")

	// ErrNotEnoughShares is returned when a key is requested below threshold.
	ErrNotEnoughShares = errors.New("not enough shares to recover backup key")
)

// SplitBackupKey splits a backup encryption key into n shares, any threshold
// of which recover it. The key is not consumed.
func SplitBackupKey(key *secret.Secret, n, threshold int) ([][]byte, error) {
	if key.Len() != cryptoutils.KeySize {
		return nil, fmt.Errorf("%w: backup key must be %d bytes", cryptoutils.ErrInvalidKey, cryptoutils.KeySize)
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(key.Bytes(), n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split backup key: %w", err)
	}
	return shares, nil
}

// CombineBackupKey recovers a backup key from at least threshold shares.
func CombineBackupKey(shares [][]byte) (*secret.Secret, error) {
	key, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if len(key) != cryptoutils.KeySize {
		cryptoutils.Wipe(key)
		return nil, fmt.Errorf("%w: recovered %d bytes", ErrInvalidShare, len(key))
	}
	return secret.New(key)
}

// SignShare signs sha256(share) with a custodian key, producing the compact
// signature ShareCollector.Submit expects.
func SignShare(share []byte, custodian *btcec.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return ecdsa.SignCompact(custodian, digest[:], true), nil
}

// ShareCollector gathers backup key shares until the threshold is reached
// and then recovers the key. When custodian keys are configured, every share
// must be signed by one of them and each custodian may submit once.
type ShareCollector struct {
	mu         sync.Mutex
	threshold  int
	custodians map[string]bool
	submitted  map[string]bool
	shares     map[byte][]byte
	key        *secret.Secret
}

// NewShareCollector creates a collector. With no custodians, unsigned shares
// are accepted.
func NewShareCollector(threshold int, custodians ...*btcec.PublicKey) (*ShareCollector, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(custodians) > 0 && len(custodians) < threshold {
		return nil, errors.New("fewer custodians than threshold")
	}

	c := &ShareCollector{
		threshold:  threshold,
		custodians: make(map[string]bool),
		submitted:  make(map[string]bool),
		shares:     make(map[byte][]byte),
	}
	for _, pub := range custodians {
		c.custodians[hex.EncodeToString(pub.SerializeCompressed())] = true
	}
	return c, nil
}

// Submit adds a share and reports whether the key has been recovered.
func (c *ShareCollector) Submit(share, signature []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		return true, nil
	}
	if len(share) < 2 {
		return false, fmt.Errorf("%w: too short", ErrInvalidShare)
	}

	if len(c.custodians) > 0 {
		digest := sha256.Sum256(share)
		pub, _, err := ecdsa.RecoverCompact(signature, digest[:])
		if err != nil {
			return false, fmt.Errorf("%w: bad signature: %v", ErrInvalidShare, err)
		}
		id := hex.EncodeToString(pub.SerializeCompressed())
		if !c.custodians[id] {
			return false, fmt.Errorf("%w: unregistered custodian", ErrInvalidShare)
		}
		if c.submitted[id] {
			return false, fmt.Errorf("%w: custodian already submitted", ErrInvalidShare)
		}
		c.submitted[id] = true
	}

	// The x coordinate is the last byte of a share.
	x := share[len(share)-1]
	if _, dup := c.shares[x]; dup {
		return false, fmt.Errorf("%w: duplicate share", ErrInvalidShare)
	}
	c.shares[x] = append([]byte(nil), share...)

	return c.tryRecoverLocked()
}

func (c *ShareCollector) tryRecoverLocked() (bool, error) {
	if len(c.shares) < c.threshold {
		return false, nil
	}

	parts := make([][]byte, 0, len(c.shares))
	for _, share := range c.shares {
		parts = append(parts, share)
	}

	key, err := CombineBackupKey(parts)
	if err != nil {
		return false, err
	}

	c.key = key
	for x, share := range c.shares {
		cryptoutils.Wipe(share)
		delete(c.shares, x)
	}
	return true, nil
}

// Submitted returns the number of shares accepted so far.
func (c *ShareCollector) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		return c.threshold
	}
	return len(c.shares)
}

// Key returns a copy of the recovered key. The caller owns the copy.
func (c *ShareCollector) Key() (*secret.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		return nil, fmt.Errorf("%w: have %d of %d", ErrNotEnoughShares, len(c.shares), c.threshold)
	}
	return c.key.Clone(), nil
}

// Destroy wipes collected shares and the recovered key.
func (c *ShareCollector) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for x, share := range c.shares {
		cryptoutils.Wipe(share)
		delete(c.shares, x)
	}
	c.key.Destroy()
	c.key = nil
}
