package kms

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConcurrently starts fn(i) for i in [0, n) behind a shared start gate and
// returns their errors in index order.
func runConcurrently(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func passwords(t *testing.T, n int, p string) []*secret.Secret {
	out := make([]*secret.Secret, n)
	for i := range out {
		out[i] = password(t, p)
	}
	return out
}

func TestConcurrentFirstUnlock(t *testing.T) {
	for iteration := 0; iteration < 5; iteration++ {
		path := filepath.Join(t.TempDir(), "kms.json")
		k := newTestKMS(t, path)

		users := []string{"alice", "bob"}
		pws := passwords(t, len(users), "p")
		sessions := make([]*Session, len(users))

		errs := runConcurrently(len(users), func(i int) error {
			s, err := k.Unlock(users[i], pws[i])
			sessions[i] = s
			return err
		})

		var winner string
		for i, err := range errs {
			if err == nil {
				require.Empty(t, winner, "only one unlock may initialize the store")
				winner = users[i]
				t.Cleanup(sessions[i].Close)
				continue
			}
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}
		require.NotEmpty(t, winner)

		s := unlock(t, k, winner, "p")
		handle, err := s.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), testSecret(t, seed99()))
		require.NoError(t, err)
		s.Close()

		reopened := newTestKMS(t, path)
		again := unlock(t, reopened, winner, "p")
		keys, err := again.Keys()
		require.NoError(t, err)
		assert.Equal(t, []interfaces.KeyHandle{handle}, keys)

		ids, err := again.ListUsers()
		require.NoError(t, err)
		assert.Equal(t, []string{winner}, ids)
	}
}

func TestConcurrentFirstUnlockSameUser(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))

	pws := passwords(t, 4, "p")
	sessions := make([]*Session, len(pws))
	errs := runConcurrently(len(pws), func(i int) error {
		s, err := k.Unlock("alice", pws[i])
		sessions[i] = s
		return err
	})
	for i, err := range errs {
		require.NoError(t, err)
		t.Cleanup(sessions[i].Close)
	}

	// Every session must hold the one persisted master key.
	handle, err := sessions[0].GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkDash), testSecret(t, seed99()))
	require.NoError(t, err)
	for _, s := range sessions[1:] {
		_, err := s.PublicKey(handle)
		require.NoError(t, err)
	}
}

func TestConcurrentAddUser(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")

	pws := passwords(t, 8, "p2")
	errs := runConcurrently(len(pws), func(i int) error {
		return s.AddUser("bob", pws[i])
	})

	added := 0
	for _, err := range errs {
		if err == nil {
			added++
			continue
		}
		require.ErrorIs(t, err, ErrUserExists)
	}
	assert.Equal(t, 1, added)

	unlock(t, k, "bob", "p2")
}

func TestConcurrentRemoveKeepsLastUser(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")
	require.NoError(t, s.AddUser("bob", password(t, "p2")))

	targets := []string{"alice", "bob"}
	errs := runConcurrently(len(targets), func(i int) error {
		return s.RemoveUser(targets[i])
	})

	removed := 0
	for _, err := range errs {
		if err == nil {
			removed++
			continue
		}
		require.ErrorIs(t, err, ErrCannotRemoveLastUser)
	}
	assert.Equal(t, 1, removed)

	ids, err := s.ListUsers()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestChangePasswordDuringReads(t *testing.T) {
	k := newTestKMS(t, filepath.Join(t.TempDir(), "kms.json"))
	s := unlock(t, k, "alice", "p1")
	raw, err := s.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)

	const rounds = 20
	writerPws := passwords(t, rounds, "p1")
	readerPws := passwords(t, rounds, "p1")
	digest := make([]byte, 32)

	// Even indices rewrap alice's record under the same password; odd ones
	// unlock with it and sign, reading records that are being replaced.
	errs := runConcurrently(2*rounds, func(i int) error {
		if i%2 == 0 {
			return s.ChangePassword("alice", writerPws[i/2])
		}

		reader, err := k.Unlock("alice", readerPws[i/2])
		if err != nil {
			return err
		}
		defer reader.Close()
		_, err = reader.Sign(raw, digest)
		return err
	})
	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}

	unlock(t, k, "alice", "p1")
}
