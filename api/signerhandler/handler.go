package signerhandler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/kms"
)

// maxBodySize bounds request bodies; the largest request is a derive call.
const maxBodySize = 64 << 10

// SignerKMS is the part of an unlocked session the handler serves.
type SignerKMS interface {
	interfaces.Signer
	Keys() ([]interfaces.KeyHandle, error)
	DeriveKeyPair(seed interfaces.KeyHandle, path interfaces.DerivationPath) (interfaces.KeyHandle, error)
}

// Handler exposes a SignerKMS over HTTP.
type Handler struct {
	kms SignerKMS
	log *slog.Logger
}

var _ SignerKMS = (*kms.Session)(nil)

func NewHandler(kms SignerKMS, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		kms: kms,
		log: log,
	}
}

// RegisterRoutes registers:
//   - GET  /api/v1/keys
//   - GET  /api/v1/keys/{handle}/pubkey
//   - POST /api/v1/sign
//   - POST /api/v1/derive
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/keys", h.HandleKeys)
	r.Get("/api/v1/keys/{handle}/pubkey", h.HandlePublicKey)
	r.Post("/api/v1/sign", h.HandleSign)
	r.Post("/api/v1/derive", h.HandleDerive)
}

func (h *Handler) HandleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.kms.Keys()
	if err != nil {
		h.writeError(w, fmt.Errorf("could not list keys: %w", err))
		return
	}
	if keys == nil {
		keys = []interfaces.KeyHandle{}
	}
	h.writeJSON(w, api.KeysResponse{Keys: keys})
}

// HandlePublicKey resolves a path-escaped handle to its public key.
func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	text, err := url.PathUnescape(chi.URLParam(r, "handle"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", interfaces.ErrInvalidKeyHandle, err))
		return
	}
	handle, err := interfaces.ParseKeyHandle(text)
	if err != nil {
		h.writeError(w, err)
		return
	}

	pub, err := h.kms.PublicKey(handle)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, api.PublicKeyResponse{Handle: handle, PublicKey: hex.EncodeToString(pub)})
}

func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	var req api.SignRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Handle.IsZero() {
		h.writeError(w, fmt.Errorf("%w: handle is required", errBadRequest))
		return
	}

	digest, err := hex.DecodeString(req.Digest)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", kms.ErrInvalidDigest, err))
		return
	}

	sig, err := h.kms.Sign(req.Handle, digest)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Debug("Signed digest", "handle", req.Handle.String())
	h.writeJSON(w, api.SignResponse{Signature: hex.EncodeToString(sig)})
}

func (h *Handler) HandleDerive(w http.ResponseWriter, r *http.Request) {
	var req api.DeriveRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.SeedHandle.IsZero() {
		h.writeError(w, fmt.Errorf("%w: seed_handle is required", errBadRequest))
		return
	}

	path, err := interfaces.ParseDerivationPath(req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}

	handle, err := h.kms.DeriveKeyPair(req.SeedHandle, path)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info("Derived key", "handle", handle.String())
	h.writeJSON(w, api.DeriveResponse{Handle: handle})
}

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("malformed request")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps KMS errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, interfaces.ErrInvalidKeyHandle),
		errors.Is(err, interfaces.ErrInvalidDerivationPath),
		errors.Is(err, kms.ErrInvalidDigest),
		errors.Is(err, kms.ErrInvalidShare),
		errors.Is(err, kms.ErrInvalidBackup):
		return http.StatusBadRequest
	case errors.Is(err, kms.ErrKeyNotFound),
		errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, kms.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, kms.ErrSessionClosed),
		errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	writeError(h.log, w, err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	writeJSON(h.log, w, http.StatusOK, v)
}

func writeError(log *slog.Logger, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err, "status", code)
	} else {
		log.Debug("Request rejected", "err", err, "status", code)
	}
	message := err.Error()
	if code >= http.StatusInternalServerError {
		message = http.StatusText(code)
	}
	writeJSON(log, w, code, api.ErrorResponse{Error: message})
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}
