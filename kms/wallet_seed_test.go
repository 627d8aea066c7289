package kms

import (
	"bytes"
	"testing"

	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletSeedStates(t *testing.T) {
	w, err := encryptSeed(testSecret(t, seed99()), "alice", password(t, "pw"), "favourite colour", testKDF)
	require.NoError(t, err)
	defer w.Destroy()

	assert.False(t, w.IsOpen())
	assert.Equal(t, ComputeSeedHash(seed99()), w.SeedHash())
	_, err = w.Seed()
	require.ErrorIs(t, err, ErrSeedLocked)

	closed := w.Closed()
	assert.Len(t, closed.Salt, SeedSaltSize)
	assert.Equal(t, "favourite colour", closed.PasswordHint)
	assert.Equal(t, testKDF, closed.KDF)
	assert.False(t, bytes.Contains(closed.EncryptedSeed, seed99()))

	require.ErrorIs(t, w.Open("alice", password(t, "wrong")), ErrInvalidCredentials)
	assert.False(t, w.IsOpen())
	require.ErrorIs(t, w.Open("bob", password(t, "pw")), ErrInvalidCredentials, "user id is part of the key")

	require.NoError(t, w.Open("alice", password(t, "pw")))
	assert.True(t, w.IsOpen())
	require.NoError(t, w.Open("alice", password(t, "wrong")), "open is a no-op when already open")

	seed, err := w.Seed()
	require.NoError(t, err)
	assert.Equal(t, seed99(), seed.Bytes())
	seed.Destroy()

	// Closed metadata survives the transition.
	assert.Equal(t, closed, w.Closed())

	w.Close()
	assert.False(t, w.IsOpen())
	w.Close()

	reopened := NewClosedWalletSeed(closed)
	defer reopened.Destroy()
	require.NoError(t, reopened.Open("alice", password(t, "pw")))
	assert.True(t, reopened.IsOpen())
}

func TestWalletSeedNoPassword(t *testing.T) {
	empty := testSecret(t, nil)
	w, err := encryptSeed(testSecret(t, seed99()), "", empty, "", testKDF)
	require.NoError(t, err)
	defer w.Destroy()

	require.NoError(t, w.OpenNoPassword())
	assert.True(t, w.IsOpen())
}

func TestWalletSeedWithKey(t *testing.T) {
	key := testSecret(t, bytes.Repeat([]byte{7}, cryptoutils.KeySize))
	w, err := sealSeedWithKey(testSecret(t, seed99()), key)
	require.NoError(t, err)
	assert.True(t, w.IsOpen(), "sealing keeps the seed open")

	closed := NewClosedWalletSeed(w.Closed())
	w.Destroy()
	defer closed.Destroy()

	require.ErrorIs(t, closed.Open("alice", password(t, "pw")), ErrNotSupported)
	require.ErrorIs(t, closed.OpenWithKey(testSecret(t, bytes.Repeat([]byte{8}, cryptoutils.KeySize))), cryptoutils.ErrAuthenticationFailed)

	require.NoError(t, closed.OpenWithKey(key))
	require.NoError(t, closed.withSeed(func(seed []byte) error {
		assert.Equal(t, seed99(), seed)
		return nil
	}))
}

func TestWalletSeedHashMismatch(t *testing.T) {
	key := testSecret(t, bytes.Repeat([]byte{7}, cryptoutils.KeySize))
	w, err := sealSeedWithKey(testSecret(t, seed99()), key)
	require.NoError(t, err)

	closed := w.Closed()
	w.Destroy()
	closed.SeedHash[0] ^= 0xff

	tampered := NewClosedWalletSeed(closed)
	require.ErrorIs(t, tampered.OpenWithKey(key), ErrKeyIntegrity)
	assert.False(t, tampered.IsOpen())
}

func TestUserContext(t *testing.T) {
	testCases := []struct {
		userID string
		want   string
	}{
		{userID: "", want: ""},
		{userID: "a", want: "aaaaaaaa"},
		{userID: "bob", want: "bobbobbob"},
		{userID: "alice", want: "alicealice"},
		{userID: "operator", want: "operator"},
		{userID: "administrator", want: "administrator"},
	}

	for _, tc := range testCases {
		t.Run(tc.userID, func(t *testing.T) {
			assert.Equal(t, tc.want, string(userContext(tc.userID)))
		})
	}
}
