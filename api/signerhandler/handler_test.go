package signerhandler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/ruteri/wallet-kms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKDF = cryptoutils.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSecret(t *testing.T, b []byte) *secret.Secret {
	t.Helper()
	s, err := secret.New(b)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

// newSession opens a fresh store and unlocks it as alice.
func newSession(t *testing.T) *kms.Session {
	t.Helper()
	k, err := kms.New(filepath.Join(t.TempDir(), "kms.json"), discardLogger(), kms.WithKDFParams(testKDF))
	require.NoError(t, err)

	s, err := k.Unlock("alice", newSecret(t, []byte("correct horse")))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newRouter(handlers ...interface{ RegisterRoutes(chi.Router) }) http.Handler {
	mux := chi.NewRouter()
	for _, h := range handlers {
		h.RegisterRoutes(mux)
	}
	return mux
}

func TestClientAgainstSession(t *testing.T) {
	session := newSession(t)
	seed, err := session.GenerateKeyPair(interfaces.SeedRequest(interfaces.NetworkTestnet), newSecret(t, bytes.Repeat([]byte{99}, 32)))
	require.NoError(t, err)

	server := httptest.NewServer(newRouter(NewHandler(session, discardLogger())))
	defer server.Close()
	client := NewClient(server.URL)

	path, err := interfaces.ParseDerivationPath("m/44'/1'/0'/0/3")
	require.NoError(t, err)
	derived, err := client.DeriveKeyPair(seed, path)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DerivedHandle, derived.Kind())

	keys, err := client.Keys()
	require.NoError(t, err)
	assert.Equal(t, []interfaces.KeyHandle{seed, derived}, keys)

	pub, err := client.PublicKey(derived)
	require.NoError(t, err)
	want, err := session.PublicKey(derived)
	require.NoError(t, err)
	assert.Equal(t, want, pub)

	digest := sha256.Sum256([]byte("state transition"))
	sig, err := client.Sign(derived, digest[:])
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, _, err := ecdsa.RecoverCompact(sig, digest[:])
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), recovered.SerializeCompressed())
}

func TestHandlerErrors(t *testing.T) {
	session := newSession(t)
	raw, err := session.GenerateKeyPair(interfaces.RawKeyRequest(interfaces.KeyTypeECDSASecp256k1), nil)
	require.NoError(t, err)
	missing := interfaces.NewRawKeyHandle(bytes.Repeat([]byte{2}, 33), interfaces.KeyTypeECDSASecp256k1)

	router := newRouter(NewHandler(session, discardLogger()))

	testCases := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{name: "malformed json", method: http.MethodPost, path: "/api/v1/sign", body: "{", wantCode: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/sign", body: `{"nope":1}`, wantCode: http.StatusBadRequest},
		{name: "missing handle", method: http.MethodPost, path: "/api/v1/sign", body: `{"digest":"00"}`, wantCode: http.StatusBadRequest},
		{name: "bad handle", method: http.MethodPost, path: "/api/v1/sign", body: `{"handle":"Key(x)","digest":"00"}`, wantCode: http.StatusBadRequest},
		{name: "bad digest hex", method: http.MethodPost, path: "/api/v1/sign", body: fmt.Sprintf(`{"handle":%q,"digest":"zz"}`, raw.String()), wantCode: http.StatusBadRequest},
		{name: "short digest", method: http.MethodPost, path: "/api/v1/sign", body: fmt.Sprintf(`{"handle":%q,"digest":"00"}`, raw.String()), wantCode: http.StatusBadRequest},
		{name: "unknown key", method: http.MethodPost, path: "/api/v1/sign", body: fmt.Sprintf(`{"handle":%q,"digest":"%s"}`, missing.String(), strings.Repeat("00", 32)), wantCode: http.StatusNotFound},
		{name: "derive from raw key", method: http.MethodPost, path: "/api/v1/derive", body: fmt.Sprintf(`{"seed_handle":%q,"path":"m/0"}`, raw.String()), wantCode: http.StatusNotImplemented},
		{name: "bad path", method: http.MethodPost, path: "/api/v1/derive", body: fmt.Sprintf(`{"seed_handle":%q,"path":"0/1"}`, raw.String()), wantCode: http.StatusBadRequest},
		{name: "pubkey bad handle", method: http.MethodGet, path: "/api/v1/keys/" + url.PathEscape("RawKey(bytes=zz)") + "/pubkey", wantCode: http.StatusBadRequest},
		{name: "pubkey unknown", method: http.MethodGet, path: "/api/v1/keys/" + url.PathEscape(missing.String()) + "/pubkey", wantCode: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))

			resp := w.Result()
			defer resp.Body.Close()
			assert.Equal(t, tc.wantCode, resp.StatusCode)

			var apiErr api.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.NotEmpty(t, apiErr.Error)
		})
	}
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Sign(handle interfaces.KeyHandle, digest interfaces.Digest) (interfaces.Signature, error) {
	args := m.Called(handle, digest)
	sig, _ := args.Get(0).(interfaces.Signature)
	return sig, args.Error(1)
}

func (m *mockSigner) PublicKey(handle interfaces.KeyHandle) (interfaces.PublicKey, error) {
	args := m.Called(handle)
	pub, _ := args.Get(0).(interfaces.PublicKey)
	return pub, args.Error(1)
}

func (m *mockSigner) Keys() ([]interfaces.KeyHandle, error) {
	args := m.Called()
	keys, _ := args.Get(0).([]interfaces.KeyHandle)
	return keys, args.Error(1)
}

func (m *mockSigner) DeriveKeyPair(seed interfaces.KeyHandle, path interfaces.DerivationPath) (interfaces.KeyHandle, error) {
	args := m.Called(seed, path)
	return args.Get(0).(interfaces.KeyHandle), args.Error(1)
}

func TestClientSurfacesStatus(t *testing.T) {
	handle := interfaces.NewRawKeyHandle([]byte{0x02, 0x01}, interfaces.KeyTypeBLS12381)

	testCases := []struct {
		name        string
		err         error
		wantCode    int
		wantMessage string
	}{
		{name: "not found", err: kms.ErrKeyNotFound, wantCode: http.StatusNotFound, wantMessage: kms.ErrKeyNotFound.Error()},
		{name: "bad digest", err: kms.ErrInvalidDigest, wantCode: http.StatusBadRequest, wantMessage: kms.ErrInvalidDigest.Error()},
		{name: "not supported", err: kms.ErrNotSupported, wantCode: http.StatusNotImplemented, wantMessage: "Not Implemented"},
		{name: "seed locked", err: kms.ErrSeedLocked, wantCode: http.StatusInternalServerError, wantMessage: "Internal Server Error"},
		{name: "session closed", err: kms.ErrSessionClosed, wantCode: http.StatusServiceUnavailable, wantMessage: "Service Unavailable"},
		{
			name:        "storage detail hidden",
			err:         fmt.Errorf("%w: rename /var/lib/wallet-kms.json: permission denied", storage.ErrStoreIO),
			wantCode:    http.StatusInternalServerError,
			wantMessage: "Internal Server Error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			signer := new(mockSigner)
			signer.On("Sign", handle, mock.Anything).Return(nil, tc.err)

			server := httptest.NewServer(newRouter(NewHandler(signer, discardLogger())))
			defer server.Close()

			_, err := NewClient(server.URL).Sign(handle, make([]byte, 32))
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.wantCode, apiErr.StatusCode)
			assert.Equal(t, tc.wantMessage, apiErr.Message)
			signer.AssertExpectations(t)
		})
	}

	t.Run("empty key list", func(t *testing.T) {
		signer := new(mockSigner)
		signer.On("Keys").Return(nil, nil)

		w := httptest.NewRecorder()
		newRouter(NewHandler(signer, discardLogger())).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil))
		assert.JSONEq(t, `{"keys":[]}`, w.Body.String())
	})

	t.Run("public key", func(t *testing.T) {
		signer := new(mockSigner)
		signer.On("PublicKey", handle).Return(interfaces.PublicKey{0x02, 0x01}, nil)

		server := httptest.NewServer(newRouter(NewHandler(signer, discardLogger())))
		defer server.Close()

		pub, err := NewClient(server.URL).PublicKey(handle)
		require.NoError(t, err)
		assert.Equal(t, interfaces.PublicKey{0x02, 0x01}, pub)
		assert.Equal(t, "0201", hex.EncodeToString(pub))
	})
}
