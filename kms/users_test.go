package kms

import (
	"path/filepath"
	"testing"

	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserManagement(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	alice := unlock(t, k, "alice", "p1")

	seed, err := alice.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
	require.NoError(t, err)

	require.NoError(t, alice.AddUser("bob", password(t, "p2")))
	require.ErrorIs(t, alice.AddUser("bob", password(t, "p3")), ErrUserExists)
	require.ErrorIs(t, alice.AddUser("", password(t, "p3")), ErrInvalidCredentials)

	users, err := alice.ListUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	// Users never show up as keys.
	keys, err := k.Keys()
	require.NoError(t, err)
	assert.Equal(t, []interfaces.KeyHandle{seed}, keys)

	bob := unlock(t, k, "bob", "p2")
	derived, err := bob.DeriveKeyPair(seed, interfaces.DerivationPath{0})
	require.NoError(t, err)
	_, err = alice.PublicKey(derived)
	require.NoError(t, err)

	// A password valid for another user is not valid for alice.
	_, err = k.Unlock("alice", password(t, "p2"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, bob.ChangePassword("bob", password(t, "p2-new")))
	_, err = k.Unlock("bob", password(t, "p2"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
	unlock(t, k, "bob", "p2-new")

	require.ErrorIs(t, alice.ChangePassword("carol", password(t, "x")), ErrUserNotFound)
	require.ErrorIs(t, alice.RemoveUser("carol"), ErrUserNotFound)

	require.NoError(t, alice.RemoveUser("bob"))
	_, err = k.Unlock("bob", password(t, "p2-new"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.ErrorIs(t, alice.RemoveUser("alice"), ErrCannotRemoveLastUser)
}
