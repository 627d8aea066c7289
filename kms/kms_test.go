package kms

import (
	"bytes"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = cryptoutils.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func newTestKMS(t *testing.T, path string) *KMS {
	t.Helper()
	k, err := New(path, nil, WithKDFParams(testKDF))
	require.NoError(t, err)
	return k
}

func testSecret(t *testing.T, b []byte) *secret.Secret {
	t.Helper()
	s, err := secret.New(b)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

func password(t *testing.T, p string) *secret.Secret {
	return testSecret(t, []byte(p))
}

func seed99() []byte {
	return bytes.Repeat([]byte{99}, 32)
}

func unlock(t *testing.T, k *KMS, user, pass string) *Session {
	t.Helper()
	s, err := k.Unlock(user, password(t, pass))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestMultiUserIsolation(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))

	s := unlock(t, k, "alice", "p1")
	handle, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
	require.NoError(t, err)
	s.Close()

	again := unlock(t, k, "alice", "p1")
	keys, err := again.Keys()
	require.NoError(t, err)
	assert.Equal(t, []interfaces.KeyHandle{handle}, keys)

	_, err = k.Unlock("alice", password(t, "wrong"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = k.Unlock("bob", password(t, "p1"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = k.Unlock("", password(t, "p1"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "invalid username or password", ErrInvalidCredentials.Error())
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kms.json")

	first := newTestKMS(t, path)
	s := unlock(t, first, "user", "secret password")
	handle, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkDash), testSecret(t, seed99()))
	require.NoError(t, err)
	assert.Equal(t, ComputeSeedHash(seed99()), handle.SeedHash())
	s.Close()

	second := newTestKMS(t, path)
	reopened := unlock(t, second, "user", "secret password")
	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.Equal(t, []interfaces.KeyHandle{handle}, keys)

	// Registering the same seed again keeps a single record.
	again, err := reopened.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkDash), testSecret(t, seed99()))
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	keys, err = second.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestLockedPublicKey(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)
	seed, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
	require.NoError(t, err)
	path, err := interfaces.ParseDerivationPath("m/44'/1'/0'/0/0")
	require.NoError(t, err)
	derived, err := s.DeriveKeyPair(seed, path)
	require.NoError(t, err)

	pub, err := k.PublicKey(raw)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PublicKey(raw.PublicKey()), pub)

	_, err = k.PublicKey(derived)
	require.ErrorIs(t, err, ErrSeedLocked)
	_, err = k.PublicKey(seed)
	require.ErrorIs(t, err, ErrSeedLocked)

	_, err = k.PublicKey(interfaces.NewRawKeyHandle([]byte{0x02, 0x01}, interfaces.KeyTypeECDSASecp256k1))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// The session recomputes the derived key.
	sessionPub, err := s.PublicKey(derived)
	require.NoError(t, err)
	assert.Len(t, sessionPub, 33)
}

func TestDeriveMatchesBIP32(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	seed, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
	require.NoError(t, err)

	path, err := interfaces.ParseDerivationPath("m/9'/1'/5'/0'/0'/0'/0'")
	require.NoError(t, err)
	derived, err := s.DeriveKeyPair(seed, path)
	require.NoError(t, err)
	assert.Equal(t, interfaces.NewDerivedHandle(seed.SeedHash(), path, interfaces.NetworkTestnet), derived)

	expected, err := hdkeychain.NewMaster(seed99(), &chaincfg.TestNet3Params)
	require.NoError(t, err)
	for _, index := range path {
		expected, err = expected.Derive(index)
		require.NoError(t, err)
	}
	expectedPub, err := expected.ECPubKey()
	require.NoError(t, err)

	pub, err := s.PublicKey(derived)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PublicKey(expectedPub.SerializeCompressed()), pub)

	xpub, err := s.ExtendedPublicKey(seed, path)
	require.NoError(t, err)
	assert.Equal(t, expected.ChainCode(), xpub.ChainCode[:])
	assert.Equal(t, []byte(pub), xpub.PublicKey[:])

	// Derived handles survive a reopen and still resolve.
	s.Close()
	reopened := unlock(t, k, "alice", "p1")
	again, err := reopened.PublicKey(derived)
	require.NoError(t, err)
	assert.Equal(t, pub, again)
}

func TestDeriveErrors(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)

	_, err = s.DeriveKeyPair(raw, interfaces.DerivationPath{0})
	require.ErrorIs(t, err, ErrNotSupported)

	unknown := interfaces.NewDerivationSeedHandle(ComputeSeedHash([]byte("nope")), interfaces.NetworkDash)
	_, err = s.DeriveKeyPair(unknown, interfaces.DerivationPath{0})
	require.ErrorIs(t, err, ErrKeyNotFound)

	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "derive", keyErr.Op)
	assert.Equal(t, unknown.String(), keyErr.Handle)

	_, err = s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkDash), testSecret(t, []byte("short")))
	require.ErrorIs(t, err, ErrKeyGeneration)
}

func TestSign(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), testSecret(t, bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	seed, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkRegtest), testSecret(t, seed99()))
	require.NoError(t, err)
	derived, err := s.DeriveKeyPair(seed, interfaces.DerivationPath{interfaces.HardenedKeyStart, 1})
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("state transition"))

	for _, handle := range []interfaces.KeyHandle{raw, derived} {
		t.Run(handle.Kind().String(), func(t *testing.T) {
			sig, err := s.Sign(handle, digest[:])
			require.NoError(t, err)
			require.Len(t, sig, 65)

			recovered, compressed, err := ecdsa.RecoverCompact(sig, digest[:])
			require.NoError(t, err)
			assert.True(t, compressed)

			pub, err := s.PublicKey(handle)
			require.NoError(t, err)
			assert.Equal(t, []byte(pub), recovered.SerializeCompressed())
		})
	}

	_, err = s.Sign(raw, digest[:31])
	require.ErrorIs(t, err, ErrInvalidDigest)

	_, err = s.Sign(seed, digest[:])
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = s.Sign(interfaces.NewRawKeyHandle([]byte{0x02}, interfaces.KeyTypeECDSASecp256k1), digest[:])
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGenerateRawKey(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	material := bytes.Repeat([]byte{42}, 32)
	a, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), testSecret(t, bytes.Clone(material)))
	require.NoError(t, err)
	b, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), testSecret(t, bytes.Clone(material)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.PublicKey(), 33)

	random, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, random)

	for _, kt := range []interfaces.KeyType{interfaces.KeyTypeBLS12381, interfaces.KeyTypeEdDSA25519Hash160} {
		_, err := s.GenerateKeyPair(interfaces.RawKeyRequest(kt), nil)
		require.ErrorIs(t, err, ErrNotSupported)
	}
}

func TestDecrypt(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)
	other, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)

	pub, err := btcec.ParsePubKey(raw.PublicKey())
	require.NoError(t, err)
	payload, err := cryptoutils.EncryptToPublicKey(pub, []byte("contact request"))
	require.NoError(t, err)

	plaintext, err := s.Decrypt(raw, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("contact request"), plaintext)

	_, err = s.Decrypt(other, payload)
	require.ErrorIs(t, err, cryptoutils.ErrAuthenticationFailed)

	_, err = s.Decrypt(interfaces.NewRawKeyHandle([]byte{0x03}, interfaces.KeyTypeECDSASecp256k1), payload)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSessionClosed(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s, err := k.Unlock("alice", password(t, "p1"))
	require.NoError(t, err)

	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)

	s.Close()
	s.Close()

	digest := sha256.Sum256(nil)
	_, err = s.Sign(raw, digest[:])
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Keys()
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Export(testSecret(t, bytes.Repeat([]byte{1}, 32)))
	require.ErrorIs(t, err, ErrSessionClosed)

	// Listing stays available on the locked facade.
	keys, err := k.Keys()
	require.NoError(t, err)
	assert.Equal(t, []interfaces.KeyHandle{raw}, keys)
}

func TestWithSession(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))

	var captured *Session
	err := k.WithSession("alice", password(t, "p1"), func(s *Session) error {
		captured = s
		_, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
		return err
	})
	require.NoError(t, err)

	_, err = captured.Keys()
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestRecordIntegrity(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	seed, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
	require.NoError(t, err)

	rec, ok := k.store.Get(HandleKey(seed))
	require.True(t, ok)
	tampered := *rec.Seed
	tampered.Network = interfaces.NetworkDash
	require.NoError(t, k.store.Set(HandleKey(seed), StoredRecord{Seed: &tampered}))

	_, err = s.DeriveKeyPair(seed, interfaces.DerivationPath{0})
	require.ErrorIs(t, err, ErrKeyIntegrity)
}

func TestBootstrapRefusesOrphanedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kms.json")
	k := newTestKMS(t, path)
	s := unlock(t, k, "alice", "p1")
	_, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)

	_, err = k.store.Delete(UserKey("alice"))
	require.NoError(t, err)

	_, err = k.Unlock("mallory", password(t, "p2"))
	require.ErrorIs(t, err, ErrKeyIntegrity)
}
