package kms

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
)

// SeedSaltSize is the size of the random salt stored with password-encrypted seeds.
const SeedSaltSize = 32

// minUserContext is the minimum length of the user id prefix mixed into
// password-derived keys.
const minUserContext = 8

// ClosedSeed is the persistable form of a wallet seed. Nothing in it reveals
// the seed.
type ClosedSeed struct {
	SeedHash      interfaces.SeedHash
	EncryptedSeed []byte
	Salt          []byte
	Nonce         []byte
	KDF           cryptoutils.KDFParams
	PasswordHint  string
}

func (c ClosedSeed) clone() ClosedSeed {
	c.EncryptedSeed = bytes.Clone(c.EncryptedSeed)
	c.Salt = bytes.Clone(c.Salt)
	c.Nonce = bytes.Clone(c.Nonce)
	return c
}

// WalletSeed is a master seed that is either Closed (encrypted metadata only)
// or Open (decrypted seed held in a Secret). Open keeps the Closed metadata so
// Close can return to it. A WalletSeed must be released with Destroy.
type WalletSeed struct {
	mu     sync.Mutex
	closed ClosedSeed
	seed   *secret.Secret
}

// ComputeSeedHash returns SHA-256(seed), the identifier used in handles.
func ComputeSeedHash(seed []byte) interfaces.SeedHash {
	return interfaces.SeedHash(sha256.Sum256(seed))
}

// NewClosedWalletSeed wraps persisted metadata.
func NewClosedWalletSeed(closed ClosedSeed) *WalletSeed {
	return &WalletSeed{closed: closed.clone()}
}

// EncryptSeed encrypts seed under a key derived from userID and password and
// returns the wallet seed in the Closed state. seed is not consumed.
func EncryptSeed(seed *secret.Secret, userID string, password *secret.Secret, hint string) (*WalletSeed, error) {
	return encryptSeed(seed, userID, password, hint, cryptoutils.DefaultKDFParams)
}

func encryptSeed(seed *secret.Secret, userID string, password *secret.Secret, hint string, params cryptoutils.KDFParams) (*WalletSeed, error) {
	if seed.IsEmpty() {
		return nil, fmt.Errorf("%w: empty seed", ErrKeyGeneration)
	}

	salt := make([]byte, SeedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveUserKey(userID, password, salt, params)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	ciphertext, nonce, err := cryptoutils.Encrypt(seed.Bytes(), key)
	if err != nil {
		return nil, err
	}

	return &WalletSeed{closed: ClosedSeed{
		SeedHash:      ComputeSeedHash(seed.Bytes()),
		EncryptedSeed: ciphertext,
		Salt:          salt,
		Nonce:         nonce,
		KDF:           params,
		PasswordHint:  hint,
	}}, nil
}

// sealSeedWithKey encrypts seed directly under a storage key, without a salt.
func sealSeedWithKey(seed *secret.Secret, key *secret.Secret) (*WalletSeed, error) {
	ciphertext, nonce, err := cryptoutils.Encrypt(seed.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return &WalletSeed{
		closed: ClosedSeed{
			SeedHash:      ComputeSeedHash(seed.Bytes()),
			EncryptedSeed: ciphertext,
			Nonce:         nonce,
		},
		seed: seed.Clone(),
	}, nil
}

// Open decrypts the seed with a key derived from userID and password. It is a
// no-op when already Open. A wrong password yields ErrInvalidCredentials and
// leaves the seed Closed.
func (w *WalletSeed) Open(userID string, password *secret.Secret) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seed != nil {
		return nil
	}
	if len(w.closed.Salt) == 0 {
		return fmt.Errorf("%w: seed is not password protected", ErrNotSupported)
	}

	params := w.closed.KDF
	if params == (cryptoutils.KDFParams{}) {
		params = cryptoutils.DefaultKDFParams
	}

	key, err := deriveUserKey(userID, password, w.closed.Salt, params)
	if err != nil {
		return err
	}
	defer key.Destroy()

	return w.openLocked(key, ErrInvalidCredentials)
}

// OpenNoPassword opens a seed that was encrypted with an empty user id and
// an empty password.
func (w *WalletSeed) OpenNoPassword() error {
	empty, err := secret.New(nil)
	if err != nil {
		return err
	}
	defer empty.Destroy()
	return w.Open("", empty)
}

// OpenWithKey decrypts the seed directly with a storage key.
func (w *WalletSeed) OpenWithKey(key *secret.Secret) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seed != nil {
		return nil
	}
	return w.openLocked(key, cryptoutils.ErrAuthenticationFailed)
}

func (w *WalletSeed) openLocked(key *secret.Secret, authErr error) error {
	seed, err := cryptoutils.DecryptSecret(w.closed.EncryptedSeed, w.closed.Nonce, key)
	if errors.Is(err, cryptoutils.ErrAuthenticationFailed) {
		return authErr
	}
	if err != nil {
		return err
	}

	if ComputeSeedHash(seed.Bytes()) != w.closed.SeedHash {
		seed.Destroy()
		return fmt.Errorf("%w: seed hash differs", ErrKeyIntegrity)
	}

	w.seed = seed
	return nil
}

// Close wipes the decrypted seed and returns to Closed. No-op when Closed.
func (w *WalletSeed) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seed.Destroy()
	w.seed = nil
}

// Destroy releases the seed. It wipes the decrypted bytes if Open.
func (w *WalletSeed) Destroy() {
	w.Close()
}

func (w *WalletSeed) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seed != nil
}

func (w *WalletSeed) SeedHash() interfaces.SeedHash {
	return w.closed.SeedHash
}

// Closed returns a copy of the persistable metadata, regardless of state.
func (w *WalletSeed) Closed() ClosedSeed {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed.clone()
}

// Seed returns a copy of the decrypted seed. The caller owns the copy.
func (w *WalletSeed) Seed() (*secret.Secret, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seed == nil {
		return nil, ErrSeedLocked
	}
	return w.seed.Clone(), nil
}

// withSeed runs fn on the decrypted seed bytes while holding the seed lock.
func (w *WalletSeed) withSeed(fn func(seed []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seed == nil {
		return ErrSeedLocked
	}
	return fn(w.seed.Bytes())
}

// userContext returns userID repeated until it is at least minUserContext bytes.
func userContext(userID string) []byte {
	if userID == "" {
		return nil
	}
	ctx := []byte(userID)
	for len(ctx) < minUserContext {
		ctx = append(ctx, userID...)
	}
	return ctx
}

// deriveUserKey derives a storage key from password with userContext(userID) || salt
// as the Argon2 salt.
func deriveUserKey(userID string, password *secret.Secret, salt []byte, params cryptoutils.KDFParams) (*secret.Secret, error) {
	fullSalt := append(userContext(userID), salt...)
	return cryptoutils.DeriveKeyWithParams(password, fullSalt, params)
}
