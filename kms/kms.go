package kms

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/ruteri/wallet-kms/storage"
)

// MasterKeySize is the size of the master storage key.
const MasterKeySize = cryptoutils.KeySize

// errStoreInitialized is returned by bootstrap when a user record appeared
// after the store was seen empty.
var errStoreInitialized = errors.New("store already initialized")

// Store is the durable record store the KMS operates on.
type Store = storage.FileStore[RecordKey, StoredRecord]

// KMS is the locked facade over a wallet store. It lists handles and resolves
// public keys that handles carry themselves; everything touching private
// material goes through a Session returned by Unlock.
//
// KMS holds no state besides the store and is safe for concurrent use. Several
// KMS values and sessions may share a store.
type KMS struct {
	store *Store
	log   *slog.Logger
	kdf   cryptoutils.KDFParams
}

var _ interfaces.LockedKMS = (*KMS)(nil)

// Option configures a KMS.
type Option func(*KMS)

// WithKDFParams sets the Argon2 parameters used for new user records.
// Existing records keep the parameters they were written with.
func WithKDFParams(params cryptoutils.KDFParams) Option {
	return func(k *KMS) { k.kdf = params }
}

// New opens or creates the store at path.
func New(path string, log *slog.Logger, opts ...Option) (*KMS, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	store, err := storage.NewFileStore[RecordKey, StoredRecord](path, log)
	if err != nil {
		return nil, err
	}
	return NewWithStore(store, log, opts...)
}

// NewWithStore wraps an already opened store.
func NewWithStore(store *Store, log *slog.Logger, opts ...Option) (*KMS, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	k := &KMS{store: store, log: log, kdf: cryptoutils.DefaultKDFParams}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.kdf.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Keys lists every key handle in the store in handle order.
func (k *KMS) Keys() ([]interfaces.KeyHandle, error) {
	var handles []interfaces.KeyHandle
	for _, key := range k.store.Keys() {
		if !key.IsUser() {
			handles = append(handles, key.Handle())
		}
	}
	return handles, nil
}

// PublicKey returns the public key of a stored RawKey handle. Seed-based
// handles fail with ErrSeedLocked since no seed is open outside a session.
func (k *KMS) PublicKey(handle interfaces.KeyHandle) (interfaces.PublicKey, error) {
	rec, err := k.record(handle)
	if err != nil {
		return nil, err
	}

	if handle.Kind() != interfaces.RawKeyHandle {
		return nil, keyError("public key", handle, ErrSeedLocked)
	}
	return interfaces.PublicKey(rec.RawKey.PublicKey), nil
}

// Unlock opens a session for userID.
//
// On a store without users the call bootstraps the store: a fresh master
// storage key is generated and wrapped for userID. Otherwise userID must have
// a record and password must unwrap it. All credential failures return
// ErrInvalidCredentials. The session must be closed by the caller.
func (k *KMS) Unlock(userID string, password *secret.Secret) (*Session, error) {
	if userID == "" {
		return nil, ErrInvalidCredentials
	}

	users := k.users()
	if len(users) == 0 {
		session, err := k.bootstrap(userID, password)
		if !errors.Is(err, errStoreInitialized) {
			return session, err
		}
		// Another unlock initialized the store first.
		users = k.users()
	}

	rec, ok := users[userID]
	if !ok {
		// Spend the same KDF time as a real attempt.
		k.burnKDF(password)
		k.log.Warn("Unlock failed", "reason", "unknown user")
		return nil, ErrInvalidCredentials
	}

	masterKey, err := unwrapMasterKey(rec, password)
	if err != nil {
		k.log.Warn("Unlock failed", "user", userID, "err", err)
		return nil, err
	}

	if err := k.validateMasterKey(masterKey); err != nil {
		masterKey.Destroy()
		k.log.Warn("Unlock failed", "user", userID, "err", err)
		return nil, ErrInvalidCredentials
	}

	k.log.Info("Unlocked KMS", "user", userID)
	return newSession(k, userID, masterKey), nil
}

// WithSession unlocks, runs fn and closes the session on every path.
func (k *KMS) WithSession(userID string, password *secret.Secret, fn func(*Session) error) error {
	s, err := k.Unlock(userID, password)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (k *KMS) bootstrap(userID string, password *secret.Secret) (*Session, error) {
	masterKey, err := secret.Random(MasterKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	rec, err := wrapMasterKey(userID, password, masterKey, k.kdf)
	if err != nil {
		masterKey.Destroy()
		return nil, err
	}

	err = k.store.SetIf(UserKey(userID), StoredRecord{User: rec}, func(entries map[RecordKey]StoredRecord) error {
		for key := range entries {
			if key.IsUser() {
				return errStoreInitialized
			}
		}
		if len(entries) > 0 {
			// Key records without any user cannot be decrypted by a new master key.
			return fmt.Errorf("%w: store has key records but no users", ErrKeyIntegrity)
		}
		return nil
	})
	if err != nil {
		masterKey.Destroy()
		return nil, err
	}

	k.log.Info("Initialized KMS store", "user", userID, "path", k.store.Path())
	return newSession(k, userID, masterKey), nil
}

// validateMasterKey decrypts one key record, if any, with masterKey.
func (k *KMS) validateMasterKey(masterKey *secret.Secret) error {
	for _, key := range k.store.Keys() {
		rec, ok := k.store.Get(key)
		if !ok {
			continue
		}

		var (
			plaintext []byte
			err       error
		)
		switch {
		case rec.RawKey != nil:
			plaintext, err = cryptoutils.Decrypt(rec.RawKey.EncryptedKey, rec.RawKey.Nonce, masterKey)
		case rec.Seed != nil:
			plaintext, err = cryptoutils.Decrypt(rec.Seed.EncryptedSeed, rec.Seed.Nonce, masterKey)
		default:
			continue
		}
		cryptoutils.Wipe(plaintext)
		return err
	}
	return nil
}

func (k *KMS) burnKDF(password *secret.Secret) {
	salt := make([]byte, SeedSaltSize)
	_, _ = rand.Read(salt)
	if key, err := deriveUserKey("unknown", password, salt, k.kdf); err == nil {
		key.Destroy()
	}
}

// record returns the verified record stored under handle.
func (k *KMS) record(handle interfaces.KeyHandle) (StoredRecord, error) {
	if handle.IsZero() {
		return StoredRecord{}, fmt.Errorf("%w: empty handle", interfaces.ErrInvalidKeyHandle)
	}
	rec, ok := k.store.Get(HandleKey(handle))
	if !ok {
		return StoredRecord{}, keyError("lookup", handle, ErrKeyNotFound)
	}
	if err := verifyRecord(handle, rec); err != nil {
		return StoredRecord{}, err
	}
	return rec, nil
}

func (k *KMS) users() map[string]*UserRecord {
	users := make(map[string]*UserRecord)
	for _, key := range k.store.Keys() {
		if !key.IsUser() {
			continue
		}
		if rec, ok := k.store.Get(key); ok && rec.User != nil {
			users[key.UserID()] = rec.User
		}
	}
	return users
}

func wrapMasterKey(userID string, password *secret.Secret, masterKey *secret.Secret, params cryptoutils.KDFParams) (*UserRecord, error) {
	salt := make([]byte, SeedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	userKey, err := deriveUserKey(userID, password, salt, params)
	if err != nil {
		return nil, err
	}
	defer userKey.Destroy()

	ciphertext, nonce, err := cryptoutils.Encrypt(masterKey.Bytes(), userKey)
	if err != nil {
		return nil, err
	}

	return &UserRecord{
		UserID:             userID,
		EncryptedMasterKey: ciphertext,
		Nonce:              nonce,
		Salt:               salt,
		KDF:                params,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

func unwrapMasterKey(rec *UserRecord, password *secret.Secret) (*secret.Secret, error) {
	userKey, err := deriveUserKey(rec.UserID, password, rec.Salt, rec.KDF)
	if err != nil {
		return nil, err
	}
	defer userKey.Destroy()

	masterKey, err := cryptoutils.DecryptSecret(rec.EncryptedMasterKey, rec.Nonce, userKey)
	if errors.Is(err, cryptoutils.ErrAuthenticationFailed) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if masterKey.Len() != MasterKeySize {
		masterKey.Destroy()
		return nil, fmt.Errorf("%w: master key has %d bytes", ErrKeyIntegrity, masterKey.Len())
	}
	return masterKey, nil
}
