package kms

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
)

// DigestSize is the digest length accepted by Sign.
const DigestSize = 32

// Session is an unlocked KMS bound to one user. It holds the master storage
// key and every seed opened during the session; Close wipes all of them.
// A Session is safe for concurrent use.
type Session struct {
	kms    *KMS
	userID string

	mu        sync.RWMutex
	masterKey *secret.Secret
	seeds     map[interfaces.SeedHash]*WalletSeed
}

var (
	_ interfaces.UnlockedKMS = (*Session)(nil)
	_ interfaces.Signer      = (*Session)(nil)
)

func newSession(k *KMS, userID string, masterKey *secret.Secret) *Session {
	return &Session{
		kms:       k,
		userID:    userID,
		masterKey: masterKey,
		seeds:     make(map[interfaces.SeedHash]*WalletSeed),
	}
}

// UserID returns the user the session was unlocked for.
func (s *Session) UserID() string {
	return s.userID
}

// Close wipes the master key and all open seeds. Further calls fail with
// ErrSessionClosed. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey == nil {
		return
	}
	for hash, seed := range s.seeds {
		seed.Destroy()
		delete(s.seeds, hash)
	}
	s.masterKey.Destroy()
	s.masterKey = nil

	s.kms.log.Debug("Closed KMS session", "user", s.userID)
}

// Keys lists every key handle in the store.
func (s *Session) Keys() ([]interfaces.KeyHandle, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.kms.Keys()
}

// GenerateKeyPair registers a derivation seed (request.Seed) or a raw key.
//
// For seeds, seedMaterial is the seed itself and must be 16 to 64 bytes. For
// raw keys it keys the generator; nil draws fresh randomness. Registering
// material that is already stored returns the existing handle. seedMaterial
// is not consumed.
func (s *Session) GenerateKeyPair(request interfaces.KeyRequest, seedMaterial *secret.Secret) (interfaces.KeyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey == nil {
		return interfaces.KeyHandle{}, ErrSessionClosed
	}
	if request.Seed {
		return s.registerSeedLocked(request.Network, seedMaterial)
	}
	return s.generateRawKeyLocked(request.KeyType, seedMaterial)
}

func (s *Session) registerSeedLocked(network interfaces.Network, seed *secret.Secret) (interfaces.KeyHandle, error) {
	if _, err := networkParams(network); err != nil {
		return interfaces.KeyHandle{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if n := seed.Len(); n < 16 || n > 64 {
		return interfaces.KeyHandle{}, fmt.Errorf("%w: seed must be 16 to 64 bytes, got %d", ErrKeyGeneration, n)
	}

	ws, err := sealSeedWithKey(seed, s.masterKey)
	if err != nil {
		return interfaces.KeyHandle{}, err
	}
	closed := ws.Closed()
	handle := interfaces.NewDerivationSeedHandle(closed.SeedHash, network)

	if !s.kms.store.ContainsKey(HandleKey(handle)) {
		err := s.kms.store.Set(HandleKey(handle), StoredRecord{Seed: &SeedRecord{
			EncryptedSeed: closed.EncryptedSeed,
			Nonce:         closed.Nonce,
			SeedHash:      closed.SeedHash,
			Network:       network,
		}})
		if err != nil {
			ws.Destroy()
			return interfaces.KeyHandle{}, err
		}
		s.kms.log.Info("Registered derivation seed", "handle", handle.String())
	}

	if existing, ok := s.seeds[closed.SeedHash]; ok {
		existing.Destroy()
	}
	s.seeds[closed.SeedHash] = ws
	return handle, nil
}

func (s *Session) generateRawKeyLocked(keyType interfaces.KeyType, material *secret.Secret) (interfaces.KeyHandle, error) {
	if keyType != interfaces.KeyTypeECDSASecp256k1 {
		return interfaces.KeyHandle{}, fmt.Errorf("%w: generating %s keys", ErrNotSupported, keyType)
	}

	if material.IsEmpty() {
		random, err := secret.Random(32)
		if err != nil {
			return interfaces.KeyHandle{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		defer random.Destroy()
		material = random
	}

	priv, err := generateRawKey(material.Bytes())
	if err != nil {
		return interfaces.KeyHandle{}, err
	}
	defer priv.Zero()

	pub := priv.PubKey().SerializeCompressed()
	handle := interfaces.NewRawKeyHandle(pub, keyType)
	if s.kms.store.ContainsKey(HandleKey(handle)) {
		return handle, nil
	}

	privBytes := priv.Serialize()
	ciphertext, nonce, err := cryptoutils.Encrypt(privBytes, s.masterKey)
	cryptoutils.Wipe(privBytes)
	if err != nil {
		return interfaces.KeyHandle{}, err
	}

	err = s.kms.store.Set(HandleKey(handle), StoredRecord{RawKey: &RawKeyRecord{
		EncryptedKey: ciphertext,
		Nonce:        nonce,
		PublicKey:    pub,
		KeyType:      keyType,
	}})
	if err != nil {
		return interfaces.KeyHandle{}, err
	}

	s.kms.log.Info("Generated raw key", "handle", handle.String())
	return handle, nil
}

// DeriveKeyPair derives the key at path from a registered seed and registers
// the resulting Derived handle. Only public data is persisted.
func (s *Session) DeriveKeyPair(seedHandle interfaces.KeyHandle, path interfaces.DerivationPath) (interfaces.KeyHandle, error) {
	if seedHandle.Kind() != interfaces.DerivationSeedHandle {
		return interfaces.KeyHandle{}, keyError("derive", seedHandle, fmt.Errorf("%w: not a derivation seed", ErrNotSupported))
	}

	var pub []byte
	err := s.withOpenSeed(seedHandle, func(seed []byte) error {
		priv, err := derivePrivateKey(seed, seedHandle.Network(), path)
		if err != nil {
			return err
		}
		defer priv.Zero()
		pub = priv.PubKey().SerializeCompressed()
		return nil
	})
	if err != nil {
		return interfaces.KeyHandle{}, keyError("derive", seedHandle, err)
	}

	handle := interfaces.NewDerivedHandle(seedHandle.SeedHash(), path, seedHandle.Network())
	if !s.kms.store.ContainsKey(HandleKey(handle)) {
		err := s.kms.store.Set(HandleKey(handle), StoredRecord{Derived: &DerivedKeyRecord{
			DerivationPath: path.String(),
			SeedHash:       seedHandle.SeedHash(),
			PublicKey:      pub,
			Network:        seedHandle.Network(),
		}})
		if err != nil {
			return interfaces.KeyHandle{}, err
		}
		s.kms.log.Info("Derived key", "handle", handle.String())
	}
	return handle, nil
}

// PublicKey resolves any stored handle. Derived keys are recomputed from the
// seed and checked against the registered public key.
func (s *Session) PublicKey(handle interfaces.KeyHandle) (interfaces.PublicKey, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	switch handle.Kind() {
	case interfaces.RawKeyHandle:
		return s.kms.PublicKey(handle)
	case interfaces.DerivedHandle:
		priv, err := s.privateKey(handle)
		if err != nil {
			return nil, err
		}
		defer priv.Zero()
		return interfaces.PublicKey(priv.PubKey().SerializeCompressed()), nil
	case interfaces.DerivationSeedHandle:
		var pub []byte
		err := s.withOpenSeed(handle, func(seed []byte) error {
			priv, err := derivePrivateKey(seed, handle.Network(), nil)
			if err != nil {
				return err
			}
			defer priv.Zero()
			pub = priv.PubKey().SerializeCompressed()
			return nil
		})
		if err != nil {
			return nil, keyError("public key", handle, err)
		}
		return interfaces.PublicKey(pub), nil
	default:
		return nil, fmt.Errorf("%w: empty handle", interfaces.ErrInvalidKeyHandle)
	}
}

// ExtendedPublicKey returns the DIP-15 extended public key fields of the key
// at path below seedHandle.
func (s *Session) ExtendedPublicKey(seedHandle interfaces.KeyHandle, path interfaces.DerivationPath) (cryptoutils.ExtendedPubKey, error) {
	var xpub cryptoutils.ExtendedPubKey
	err := s.withOpenSeed(seedHandle, func(seed []byte) error {
		var err error
		xpub, err = extendedPublicKey(seed, seedHandle.Network(), path)
		return err
	})
	if err != nil {
		return cryptoutils.ExtendedPubKey{}, keyError("xpub", seedHandle, err)
	}
	return xpub, nil
}

// Sign produces a 65-byte compact recoverable ECDSA signature over digest.
func (s *Session) Sign(handle interfaces.KeyHandle, digest interfaces.Digest) (interfaces.Signature, error) {
	if len(digest) != DigestSize {
		return nil, keyError("sign", handle, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(digest)))
	}

	priv, err := s.privateKey(handle)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	sig := ecdsa.SignCompact(priv, digest, true)

	s.kms.log.Debug("Signed digest", "handle", handle.String())
	return interfaces.Signature(sig), nil
}

// Decrypt opens data produced by cryptoutils.EncryptToPublicKey for the
// public key behind handle.
func (s *Session) Decrypt(handle interfaces.KeyHandle, encrypted []byte) ([]byte, error) {
	priv, err := s.privateKey(handle)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	plaintext, err := cryptoutils.DecryptWithPrivateKey(priv, encrypted)
	if err != nil {
		return nil, keyError("decrypt", handle, err)
	}
	return plaintext, nil
}

// CloseSeed wipes the decrypted seed behind handle. It is reopened on the
// next operation that needs it.
func (s *Session) CloseSeed(handle interfaces.KeyHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seed, ok := s.seeds[handle.SeedHash()]; ok {
		seed.Destroy()
		delete(s.seeds, handle.SeedHash())
	}
}

// privateKey resolves the secp256k1 key behind a RawKey or Derived handle.
// The caller must Zero the result.
func (s *Session) privateKey(handle interfaces.KeyHandle) (*btcec.PrivateKey, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, err := s.kms.record(handle)
	if err != nil {
		return nil, err
	}

	switch handle.Kind() {
	case interfaces.RawKeyHandle:
		if handle.KeyType() != interfaces.KeyTypeECDSASecp256k1 {
			return nil, keyError("resolve", handle, ErrNotSupported)
		}

		s.mu.RLock()
		if s.masterKey == nil {
			s.mu.RUnlock()
			return nil, ErrSessionClosed
		}
		privBytes, err := cryptoutils.Decrypt(rec.RawKey.EncryptedKey, rec.RawKey.Nonce, s.masterKey)
		s.mu.RUnlock()
		if err != nil {
			return nil, keyError("resolve", handle, err)
		}
		defer cryptoutils.Wipe(privBytes)

		priv, pub := btcec.PrivKeyFromBytes(privBytes)
		if !bytes.Equal(pub.SerializeCompressed(), rec.RawKey.PublicKey) {
			priv.Zero()
			return nil, keyError("resolve", handle, ErrKeyIntegrity)
		}
		return priv, nil

	case interfaces.DerivedHandle:
		var priv *btcec.PrivateKey
		err := s.withOpenSeed(handle.SeedHandle(), func(seed []byte) error {
			var err error
			priv, err = derivePrivateKey(seed, handle.Network(), handle.DerivationPath())
			return err
		})
		if err != nil {
			return nil, keyError("resolve", handle, err)
		}
		if !bytes.Equal(priv.PubKey().SerializeCompressed(), rec.Derived.PublicKey) {
			priv.Zero()
			return nil, keyError("resolve", handle, ErrKeyIntegrity)
		}
		return priv, nil

	default:
		return nil, keyError("resolve", handle, ErrNotSupported)
	}
}

// withOpenSeed runs fn with the decrypted seed of seedHandle, opening the
// seed from its record on first use.
func (s *Session) withOpenSeed(seedHandle interfaces.KeyHandle, fn func(seed []byte) error) error {
	if seedHandle.Kind() != interfaces.DerivationSeedHandle {
		return fmt.Errorf("%w: not a derivation seed", ErrNotSupported)
	}

	rec, err := s.kms.record(seedHandle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey == nil {
		return ErrSessionClosed
	}

	ws, ok := s.seeds[seedHandle.SeedHash()]
	if !ok {
		ws = NewClosedWalletSeed(ClosedSeed{
			SeedHash:      rec.Seed.SeedHash,
			EncryptedSeed: rec.Seed.EncryptedSeed,
			Nonce:         rec.Seed.Nonce,
		})
		if err := ws.OpenWithKey(s.masterKey); err != nil {
			return err
		}
		s.seeds[seedHandle.SeedHash()] = ws
		s.kms.log.Debug("Opened derivation seed", "handle", seedHandle.String())
	}

	return ws.withSeed(fn)
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.masterKey == nil {
		return ErrSessionClosed
	}
	return nil
}
