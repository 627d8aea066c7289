package signerhandler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
)

// RecoveryState is the state of a backup recovery.
type RecoveryState int

const (
	// StateIdle: no recovery in progress.
	StateIdle RecoveryState = iota

	// StateRecovering: a backup has been fetched and shares are being collected.
	StateRecovering

	// StateComplete: the backup key was recovered and the export imported.
	StateComplete
)

func (s RecoveryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ErrRecoveryState is returned when a request does not fit the current state.
var ErrRecoveryState = errors.New("invalid recovery state")

// Importer restores an encrypted export. *kms.Session implements it.
type Importer interface {
	Import(blob []byte, encryptionKey *secret.Secret) ([]interfaces.KeyHandle, error)
}

var _ Importer = (*kms.Session)(nil)

// RecoveryHandler restores an export from a backup backend once a threshold
// of custodians has submitted shares of its backup key.
type RecoveryHandler struct {
	mu         sync.Mutex
	log        *slog.Logger
	importer   Importer
	backend    interfaces.StorageBackend
	threshold  int
	custodians []*btcec.PublicKey

	state     RecoveryState
	backupID  interfaces.ContentID
	blob      []byte
	collector *kms.ShareCollector
	imported  []interfaces.KeyHandle
}

// NewRecoveryHandler creates a recovery handler. With custodians, every share
// must be signed by one of them (see kms.SignShare).
func NewRecoveryHandler(importer Importer, backend interfaces.StorageBackend, threshold int, custodians []*btcec.PublicKey, log *slog.Logger) (*RecoveryHandler, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(custodians) > 0 && len(custodians) < threshold {
		return nil, errors.New("fewer custodians than threshold")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RecoveryHandler{
		log:        log,
		importer:   importer,
		backend:    backend,
		threshold:  threshold,
		custodians: custodians,
	}, nil
}

// RegisterRoutes registers:
//   - GET  /api/admin/recovery/status
//   - POST /api/admin/recovery/start
//   - POST /api/admin/recovery/share
func (h *RecoveryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin/recovery", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Post("/start", h.HandleStart)
		r.Post("/share", h.HandleShare)
	})
}

func (h *RecoveryHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(h.log, w, http.StatusOK, h.statusLocked())
}

// HandleStart fetches the backup and starts collecting shares. A running
// recovery is restarted.
func (h *RecoveryHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req api.RecoveryStartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(h.log, w, err)
		return
	}
	id, err := interfaces.NewContentIDFromHex(req.BackupID)
	if err != nil {
		writeError(h.log, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	blob, err := h.backend.Fetch(r.Context(), id, interfaces.BackupType)
	if err != nil {
		writeError(h.log, w, fmt.Errorf("could not fetch backup %s: %w", id, err))
		return
	}

	collector, err := kms.NewShareCollector(h.threshold, h.custodians...)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.resetLocked()
	h.state = StateRecovering
	h.backupID = id
	h.blob = blob
	h.collector = collector

	h.log.Info("Started backup recovery", "backupID", id.String(), "backend", h.backend.Name(), "threshold", h.threshold)
	writeJSON(h.log, w, http.StatusOK, h.statusLocked())
}

// HandleShare submits a share. When the threshold is reached the backup key
// is recovered and the export imported.
func (h *RecoveryHandler) HandleShare(w http.ResponseWriter, r *http.Request) {
	var req api.RecoveryShareRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(h.log, w, err)
		return
	}
	share, err := hex.DecodeString(req.Share)
	if err != nil {
		writeError(h.log, w, fmt.Errorf("%w: share: %v", kms.ErrInvalidShare, err))
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(h.log, w, fmt.Errorf("%w: signature: %v", kms.ErrInvalidShare, err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		writeJSON(h.log, w, http.StatusConflict, api.ErrorResponse{Error: fmt.Sprintf("%v: %s", ErrRecoveryState, h.state)})
		return
	}

	done, err := h.collector.Submit(share, sig)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	if !done {
		writeJSON(h.log, w, http.StatusOK, h.statusLocked())
		return
	}

	if err := h.importLocked(); err != nil {
		h.resetLocked()
		writeError(h.log, w, fmt.Errorf("could not import backup: %w", err))
		return
	}
	writeJSON(h.log, w, http.StatusOK, h.statusLocked())
}

func (h *RecoveryHandler) importLocked() error {
	key, err := h.collector.Key()
	if err != nil {
		return err
	}
	defer key.Destroy()

	imported, err := h.importer.Import(h.blob, key)
	if err != nil {
		return err
	}

	h.collector.Destroy()
	h.collector = nil
	h.blob = nil
	h.imported = imported
	h.state = StateComplete

	h.log.Info("Recovered backup", "backupID", h.backupID.String(), "imported", len(imported))
	return nil
}

func (h *RecoveryHandler) resetLocked() {
	if h.collector != nil {
		h.collector.Destroy()
	}
	h.collector = nil
	h.blob = nil
	h.imported = nil
	h.backupID = interfaces.ContentID{}
	h.state = StateIdle
}

func (h *RecoveryHandler) statusLocked() api.RecoveryStatusResponse {
	resp := api.RecoveryStatusResponse{
		State:     h.state.String(),
		Threshold: h.threshold,
		Imported:  h.imported,
	}
	if h.state != StateIdle {
		resp.BackupID = h.backupID.String()
	}
	if h.collector != nil {
		resp.Submitted = h.collector.Submitted()
	}
	return resp
}

// ParseCustodians parses hex compressed secp256k1 public keys.
func ParseCustodians(hexKeys []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(hexKeys))
	for _, s := range hexKeys {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid custodian key %q: %w", s, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid custodian key %q: %w", s, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}
