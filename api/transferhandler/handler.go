// Package transferhandler serves model upload and block transfer sessions of the admin node.
package transferhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Coordinator drives transfer sessions. *transfer.Coordinator implements it.
type Coordinator interface {
	StartTransferSession(ctx context.Context, adminNodeID, clientNodeID, modelID string, blocks []*interfaces.EncryptedBlock) (string, error)
	Run(ctx context.Context, sessionID string) error
	CancelTransfer(sessionID string) (bool, error)
	GetSession(sessionID string) (*interfaces.TransferSession, error)
	ListSessions() []*interfaces.TransferSession
	GetTransferProgress(sessionID string) (*interfaces.TransferProgress, error)
	GetTransferStatistics() interfaces.TransferStatistics
	SessionKeyFor(sessionID string, clientPubkeyPEM []byte) ([]byte, error)
}

// ModelStore persists encrypted models. *blockstore.BlockStore implements it.
type ModelStore interface {
	StoreModel(ctx context.Context, modelID string, blocks []*interfaces.EncryptedBlock) (interfaces.ContentID, error)
	FetchManifest(ctx context.Context, id interfaces.ContentID) (*interfaces.ModelManifest, error)
	LoadModel(ctx context.Context, manifestID interfaces.ContentID) (*interfaces.ModelManifest, []*interfaces.EncryptedBlock, error)
}

// ModelEncryptor splits and seals model data. *blockcipher.Cipher implements it.
type ModelEncryptor interface {
	EncryptModel(ctx context.Context, modelID string, r io.Reader, blockSize int, keyID string) ([]*interfaces.EncryptedBlock, error)
}

// SessionOpener is called for every new session before it can run, to hand
// the session key to clients this node reaches directly.
type SessionOpener func(sessionID, clientNodeID string) error

const maxBodySize = 64 << 10

type Handler struct {
	coordinator Coordinator
	store       ModelStore
	encryptor   ModelEncryptor
	log         *slog.Logger
	opener      SessionOpener
	blockSize   int
	adminNodeID string

	// Background runs outlive the request that started them.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

type Option func(*Handler)

func WithSessionOpener(opener SessionOpener) Option {
	return func(h *Handler) { h.opener = opener }
}

// WithAdminNodeID names this node in sessions whose request leaves admin_node_id empty.
func WithAdminNodeID(id string) Option {
	return func(h *Handler) { h.adminNodeID = id }
}

// WithBlockSize sets the block size of uploads that do not specify one.
func WithBlockSize(n int) Option {
	return func(h *Handler) { h.blockSize = n }
}

func NewHandler(coordinator Coordinator, store ModelStore, encryptor ModelEncryptor, log *slog.Logger, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		coordinator: coordinator,
		store:       store,
		encryptor:   encryptor,
		log:         log,
		runCtx:      ctx,
		cancelRun:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/models/{model_id}", h.HandleUploadModel)
	r.Get("/api/v1/manifests/{manifest_id}", h.HandleGetManifest)

	r.Post("/api/v1/transfers", h.HandleStartTransfer)
	r.Get("/api/v1/transfers", h.HandleListTransfers)
	r.Get("/api/v1/transfers/statistics", h.HandleStatistics)
	r.Get("/api/v1/transfers/{session_id}", h.HandleGetTransfer)
	r.Get("/api/v1/transfers/{session_id}/progress", h.HandleProgress)
	r.Post("/api/v1/transfers/{session_id}/session-key", h.HandleSessionKey)
	r.Post("/api/v1/transfers/{session_id}/run", h.HandleRun)
	r.Delete("/api/v1/transfers/{session_id}", h.HandleCancel)
}

// Close interrupts background runs and waits for them to return. Interrupted
// sessions stay pending and can be run again.
func (h *Handler) Close() {
	h.cancelRun()
	h.runs.Wait()
}

// HandleUploadModel encrypts the request body under a key and stores the blocks
// and their manifest.
//
// Endpoint: POST /api/v1/models/{model_id}?key_id=<id>&block_size=<bytes>
func (h *Handler) HandleUploadModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "model_id")
	keyID := r.URL.Query().Get("key_id")
	if keyID == "" {
		http.Error(w, "key_id is required", http.StatusBadRequest)
		return
	}

	blockSize := h.blockSize
	if raw := r.URL.Query().Get("block_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid block_size", http.StatusBadRequest)
			return
		}
		blockSize = n
	}

	blocks, err := h.encryptor.EncryptModel(r.Context(), modelID, r.Body, blockSize, keyID)
	if err != nil {
		h.log.Error("Model encryption failed", "err", err, slog.String("model_id", modelID), slog.String("key_id", keyID))
		api.WriteError(w, err)
		return
	}
	if len(blocks) == 0 {
		http.Error(w, "empty model", http.StatusBadRequest)
		return
	}

	manifestID, err := h.store.StoreModel(r.Context(), modelID, blocks)
	if err != nil {
		h.log.Error("Failed to store model", "err", err, slog.String("model_id", modelID))
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusCreated, api.UploadModelResponse{
		ManifestID: manifestID.String(),
		ModelID:    modelID,
		KeyID:      keyID,
		Blocks:     len(blocks),
	})
}

func (h *Handler) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "manifest_id"))
	if err != nil {
		http.Error(w, "invalid manifest id", http.StatusBadRequest)
		return
	}

	manifest, err := h.store.FetchManifest(r.Context(), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, manifest)
}

// HandleStartTransfer creates a session for the blocks of a stored model.
//
// Endpoint: POST /api/v1/transfers
func (h *Handler) HandleStartTransfer(w http.ResponseWriter, r *http.Request) {
	var req api.StartTransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientNodeID == "" {
		http.Error(w, "client_node_id is required", http.StatusBadRequest)
		return
	}

	manifestID, err := interfaces.NewContentIDFromHex(req.ManifestID)
	if err != nil {
		http.Error(w, "invalid manifest id", http.StatusBadRequest)
		return
	}

	manifest, blocks, err := h.store.LoadModel(r.Context(), manifestID)
	if err != nil {
		h.log.Error("Failed to load model", "err", err, slog.String("manifest_id", req.ManifestID))
		api.WriteError(w, err)
		return
	}

	adminNodeID := req.AdminNodeID
	if adminNodeID == "" {
		adminNodeID = h.adminNodeID
	}

	sessionID, err := h.coordinator.StartTransferSession(r.Context(), adminNodeID, req.ClientNodeID, manifest.ModelID, blocks)
	if err != nil {
		h.log.Error("Failed to start transfer session", "err", err, slog.String("client_node_id", req.ClientNodeID))
		api.WriteError(w, err)
		return
	}

	if h.opener != nil {
		if err := h.opener(sessionID, req.ClientNodeID); err != nil {
			h.log.Error("Failed to open session on client", "err", err, slog.String("session_id", sessionID))
			if _, cancelErr := h.coordinator.CancelTransfer(sessionID); cancelErr != nil {
				h.log.Error("Failed to cancel unopened session", "err", cancelErr, slog.String("session_id", sessionID))
			}
			api.WriteError(w, fmt.Errorf("failed to open session %s: %w", sessionID, err))
			return
		}
	}

	if req.Start {
		h.runInBackground(sessionID)
	}

	status := interfaces.TransferPending
	if snapshot, err := h.coordinator.GetSession(sessionID); err == nil {
		status = snapshot.Status
	}
	api.WriteJSON(w, http.StatusCreated, api.StartTransferResponse{SessionID: sessionID, Status: status})
}

func (h *Handler) runInBackground(sessionID string) {
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if err := h.coordinator.Run(h.runCtx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("Transfer session ended with error", "err", err, slog.String("session_id", sessionID))
		}
	}()
}

func (h *Handler) HandleListTransfers(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.coordinator.ListSessions())
}

func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.coordinator.GetTransferStatistics())
}

func (h *Handler) HandleGetTransfer(w http.ResponseWriter, r *http.Request) {
	session, err := h.coordinator.GetSession(chi.URLParam(r, "session_id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.coordinator.GetTransferProgress(chi.URLParam(r, "session_id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, progress)
}

// HandleSessionKey wraps the session transit key to the public key of the client.
//
// Endpoint: POST /api/v1/transfers/{session_id}/session-key
func (h *Handler) HandleSessionKey(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req api.SessionKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientPublicKey == "" {
		http.Error(w, "client_public_key is required", http.StatusBadRequest)
		return
	}

	wrapped, err := h.coordinator.SessionKeyFor(sessionID, []byte(req.ClientPublicKey))
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			api.WriteError(w, err)
			return
		}
		h.log.Warn("Failed to wrap session key", "err", err, slog.String("session_id", sessionID))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.SessionKeyResponse{SessionID: sessionID, WrappedKey: wrapped})
}

// HandleRun starts or resumes a session in the background.
//
// Endpoint: POST /api/v1/transfers/{session_id}/run
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	session, err := h.coordinator.GetSession(sessionID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if session.Status.IsTerminal() {
		http.Error(w, fmt.Sprintf("session %s already %s", sessionID, session.Status), http.StatusConflict)
		return
	}

	h.runInBackground(sessionID)
	api.WriteJSON(w, http.StatusAccepted, api.StartTransferResponse{SessionID: sessionID, Status: session.Status})
}

// HandleCancel cancels a session. Cancelling a finished session is not an error.
//
// Endpoint: DELETE /api/v1/transfers/{session_id}
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	cancelled, err := h.coordinator.CancelTransfer(sessionID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.CancelTransferResponse{Cancelled: cancelled})
}
