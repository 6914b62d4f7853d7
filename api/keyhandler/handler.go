// Package keyhandler serves the key lifecycle API of the admin node.
package keyhandler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// KeyService is the part of the key manager exposed over HTTP.
type KeyService interface {
	GenerateHardwareBoundKey(ctx context.Context, licenseKey, modelID string, lifetimeDays int) (*interfaces.ManagedKey, error)
	RotateKey(ctx context.Context, oldKeyID, licenseKey string, notifyClients []string) (*interfaces.ManagedKey, error)
	RevokeKey(ctx context.Context, keyID, reason string) (bool, error)
	CleanupExpiredKeys(ctx context.Context) (int, error)
	ValidateHardwareBinding(ctx context.Context, keyID string) bool
	GetKey(ctx context.Context, keyID string) (*interfaces.ManagedKey, error)
	ListKeys(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error)
	ListActiveKeys(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error)
	GetKeyRotationHistory(ctx context.Context, keyID string) ([]interfaces.KeyRotationEvent, error)
	KeyStatistics(ctx context.Context) (interfaces.KeyStatistics, error)
}

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

type Handler struct {
	keys KeyService
	log  *slog.Logger
}

func NewHandler(keys KeyService, log *slog.Logger) *Handler {
	return &Handler{keys: keys, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/keys", h.HandleGenerate)
	r.Get("/api/v1/keys", h.HandleList)
	r.Get("/api/v1/keys/statistics", h.HandleStatistics)
	r.Post("/api/v1/keys/cleanup", h.HandleCleanup)
	r.Get("/api/v1/keys/{key_id}", h.HandleGet)
	r.Get("/api/v1/keys/{key_id}/binding", h.HandleBinding)
	r.Get("/api/v1/keys/{key_id}/history", h.HandleHistory)
	r.Post("/api/v1/keys/{key_id}/rotate", h.HandleRotate)
	r.Post("/api/v1/keys/{key_id}/revoke", h.HandleRevoke)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// HandleGenerate issues a key for a model.
//
// Endpoint: POST /api/v1/keys
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ModelID == "" || req.LicenseKey == "" {
		http.Error(w, "model_id and license_key are required", http.StatusBadRequest)
		return
	}

	key, err := h.keys.GenerateHardwareBoundKey(r.Context(), req.LicenseKey, req.ModelID, req.LifetimeDays)
	if err != nil {
		h.log.Error("Key generation failed", "err", err, slog.String("model_id", req.ModelID))
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, key)
}

// HandleList lists keys, optionally of one model and only ACTIVE ones.
//
// Endpoint: GET /api/v1/keys?model_id=<id>&active=true
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")

	list := h.keys.ListKeys
	if r.URL.Query().Get("active") == "true" {
		list = h.keys.ListActiveKeys
	}

	keys, err := list(r.Context(), modelID)
	if err != nil {
		h.log.Error("Failed to list keys", "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, keys)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetKey(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, key)
}

func (h *Handler) HandleBinding(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	api.WriteJSON(w, http.StatusOK, api.BindingResponse{
		KeyID: keyID,
		Valid: h.keys.ValidateHardwareBinding(r.Context(), keyID),
	})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.keys.GetKeyRotationHistory(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if events == nil {
		events = []interfaces.KeyRotationEvent{}
	}
	api.WriteJSON(w, http.StatusOK, events)
}

// HandleRotate replaces a key with a new generation and notifies the listed clients.
//
// Endpoint: POST /api/v1/keys/{key_id}/rotate
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	var req api.RotateKeyRequest
	if !decode(w, r, &req) {
		return
	}

	key, err := h.keys.RotateKey(r.Context(), keyID, req.LicenseKey, req.NotifyClients)
	if err != nil {
		h.log.Error("Key rotation failed", "err", err, slog.String("key_id", keyID))
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, key)
}

// HandleRevoke revokes a key. Revoking an already revoked key is not an error.
//
// Endpoint: POST /api/v1/keys/{key_id}/revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	var req api.RevokeKeyRequest
	if !decode(w, r, &req) {
		return
	}

	revoked, err := h.keys.RevokeKey(r.Context(), keyID, req.Reason)
	if err != nil {
		h.log.Error("Key revocation failed", "err", err, slog.String("key_id", keyID))
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RevokeKeyResponse{Revoked: revoked})
}

func (h *Handler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	disposed, err := h.keys.CleanupExpiredKeys(r.Context())
	if err != nil {
		h.log.Error("Key cleanup failed", "err", err, slog.Int("disposed", disposed))
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.CleanupResponse{Disposed: disposed})
}

func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.keys.KeyStatistics(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}
