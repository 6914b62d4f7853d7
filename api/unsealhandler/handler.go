// Package unsealhandler serves the administrator API that produces the
// keystore master key, either by generating and splitting a fresh one or by
// recombining Shamir shares held by administrators.
package unsealhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/kms"
)

// State of the unseal process.
type State int

const (
	StateSealed State = iota
	StateGeneratingShares
	StateRecovering
	StateUnsealed
)

func (s State) String() string {
	switch s {
	case StateSealed:
		return "sealed"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateUnsealed:
		return "unsealed"
	default:
		panic(fmt.Sprintf("unknown unseal state %d", int(s)))
	}
}

const (
	HeaderAdminID        = "X-Admin-ID"
	HeaderAdminSignature = "X-Admin-Signature"

	maxBodySize = 64 << 10
)

// adminShare is a share encrypted to the one admin allowed to fetch it.
type adminShare struct {
	index     int
	encrypted []byte
	retrieved bool
}

// Handler runs the unseal process. The master key becomes available once
// every admin fetched its generated share, or once threshold admins submitted
// theirs during recovery.
type Handler struct {
	log          *slog.Logger
	threshold    int
	adminPubKeys map[string][]byte

	mu       sync.RWMutex
	state    State
	shares   map[string]*adminShare
	unsealer *kms.Unsealer
	done     chan struct{}
}

func NewHandler(log *slog.Logger, threshold int, adminPubKeys map[string][]byte) (*Handler, error) {
	if threshold < 2 {
		return nil, errors.New("threshold smaller than 2")
	}
	if len(adminPubKeys) < threshold {
		return nil, errors.New("threshold larger than total shares")
	}

	return &Handler{
		log:          log,
		threshold:    threshold,
		adminPubKeys: adminPubKeys,
		state:        StateSealed,
		shares:       make(map[string]*adminShare),
		done:         make(chan struct{}),
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/status", h.HandleStatus)
	r.Post("/admin/init/generate", h.HandleInitGenerate)
	r.Post("/admin/init/recover", h.HandleInitRecover)
	r.Get("/admin/share", h.HandleGetShare)
	r.Post("/admin/share", h.HandleSubmitShare)
}

// WaitForUnseal blocks until the master key is available.
func (h *Handler) WaitForUnseal(ctx context.Context) (*kms.Unsealer, error) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.unsealer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// completeLocked releases WaitForUnseal. Caller holds the write lock.
func (h *Handler) completeLocked() {
	h.state = StateUnsealed
	close(h.done)
}

// HandleStatus reports the unseal state.
//
// Endpoint: GET /admin/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := api.UnsealStatusResponse{State: h.state.String()}
	switch h.state {
	case StateGeneratingShares, StateRecovering:
		resp.Threshold = h.threshold
		resp.TotalShares = len(h.adminPubKeys)
		if h.state == StateRecovering {
			resp.SharesReceived = h.unsealer.SharesReceived()
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// HandleInitGenerate creates a master key and encrypts one share of it to
// each admin. Only meant for a keystore that holds no keys yet.
//
// Endpoint: POST /admin/init/generate
func (h *Handler) HandleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateSealed {
		http.Error(w, "Unseal already in progress or complete", http.StatusConflict)
		return
	}

	masterKey, err := cryptoutils.GenerateKey()
	if err != nil {
		h.log.Error("Failed to generate master key", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer cryptoutils.Zeroize(masterKey)

	parts, err := kms.SplitMasterKey(masterKey, len(h.adminPubKeys), h.threshold)
	if err != nil {
		h.log.Error("Failed to split master key", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	adminIDs := make([]string, 0, len(h.adminPubKeys))
	for id := range h.adminPubKeys {
		adminIDs = append(adminIDs, id)
	}
	sort.Strings(adminIDs)

	shares := make(map[string]*adminShare, len(adminIDs))
	for i, id := range adminIDs {
		encrypted, err := cryptoutils.EncryptWithPublicKey(h.adminPubKeys[id], parts[i])
		cryptoutils.Zeroize(parts[i])
		if err != nil {
			h.log.Error("Failed to encrypt share", "err", err, slog.String("admin_id", id))
			http.Error(w, "Failed to encrypt shares", http.StatusInternalServerError)
			return
		}
		shares[id] = &adminShare{index: i, encrypted: encrypted}
	}

	h.shares = shares
	h.unsealer = kms.NewUnsealedUnsealer(masterKey)
	h.state = StateGeneratingShares

	h.log.Info("Master key generated, shares ready for retrieval",
		slog.String("admin_id", adminID),
		slog.Int("threshold", h.threshold),
		slog.Int("total_shares", len(shares)))

	api.WriteJSON(w, http.StatusOK, api.MessageResponse{Message: "Master key generated, each admin must fetch its share with GET /admin/share"})
}

// HandleGetShare returns the share of the calling admin, encrypted to its key.
//
// Endpoint: GET /admin/share
func (h *Handler) HandleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares {
		http.Error(w, "No shares available for retrieval", http.StatusConflict)
		return
	}

	share, exists := h.shares[adminID]
	if !exists {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}
	share.retrieved = true

	allRetrieved := true
	for _, s := range h.shares {
		allRetrieved = allRetrieved && s.retrieved
	}
	if allRetrieved {
		h.completeLocked()
		h.log.Info("All shares retrieved, keystore unsealed")
	}

	h.log.Info("Admin retrieved its share", slog.String("admin_id", adminID), slog.Int("share_index", share.index))
	api.WriteJSON(w, http.StatusOK, api.AdminGetShareResponse{
		ShareIndex:     share.index,
		EncryptedShare: base64.StdEncoding.EncodeToString(share.encrypted),
	})
}

// HandleInitRecover starts collecting shares of an existing master key.
//
// Endpoint: POST /admin/init/recover
func (h *Handler) HandleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateSealed {
		http.Error(w, "Unseal already in progress or complete", http.StatusConflict)
		return
	}

	pubKeys := make([][]byte, 0, len(h.adminPubKeys))
	for _, pubKey := range h.adminPubKeys {
		pubKeys = append(pubKeys, pubKey)
	}
	unsealer, err := kms.NewUnsealer(kms.UnsealConfig{Threshold: h.threshold, AdminPubKeys: pubKeys})
	if err != nil {
		h.log.Error("Failed to start recovery", "err", err)
		http.Error(w, "could not start recovery: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.unsealer = unsealer
	h.state = StateRecovering

	h.log.Info("Recovery started", slog.String("admin_id", adminID), slog.Int("threshold", h.threshold))
	api.WriteJSON(w, http.StatusOK, api.MessageResponse{Message: "Recovery started, admins must submit their shares with POST /admin/share"})
}

// HandleSubmitShare accepts a signed share during recovery.
//
// Endpoint: POST /admin/share
func (h *Handler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(w, r)
	if !ok {
		return
	}

	var req api.SubmitShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(req.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	defer cryptoutils.Zeroize(share)

	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "Keystore is not in recovery", http.StatusConflict)
		return
	}

	if err := h.unsealer.SubmitShare(req.ShareIndex, share, signature, h.adminPubKeys[adminID]); err != nil {
		h.log.Warn("Share submission failed", "err", err, slog.String("admin_id", adminID))
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.unsealer.IsUnsealed() {
		h.completeLocked()
		h.log.Info("Keystore unsealed, recovery complete", slog.String("admin_id", adminID))
		api.WriteJSON(w, http.StatusOK, api.MessageResponse{Message: "Keystore unsealed"})
		return
	}

	h.log.Info("Share accepted", slog.String("admin_id", adminID), slog.Int("share_index", req.ShareIndex))
	api.WriteJSON(w, http.StatusOK, api.MessageResponse{Message: "Share accepted, waiting for more shares"})
}

// verifyAdmin checks the signature headers of a request against the
// registered admin keys. The signature covers the request path followed by
// the body. On failure a 401 has already been written.
func (h *Handler) verifyAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	adminID := r.Header.Get(HeaderAdminID)
	signature, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderAdminSignature))
	if adminID == "" || err != nil || len(signature) == 0 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	pubKeyPEM, exists := h.adminPubKeys[adminID]
	if !exists {
		h.log.Warn("Authentication failed: unknown admin", slog.String("admin_id", adminID))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return "", false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := cryptoutils.VerifySignature(pubKeyPEM, append([]byte(r.URL.Path), body...), signature); err != nil {
		h.log.Warn("Authentication failed: invalid signature", slog.String("admin_id", adminID))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return adminID, true
}

// AdminsConfig is the admin keys file read by LoadAdminKeys.
type AdminsConfig struct {
	Admins []AdminEntry `json:"admins"`
}

type AdminEntry struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// LoadAdminKeys reads admin public keys from JSON of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data AdminsConfig
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if admin.ID == "" {
			return nil, errors.New("admin without id")
		}
		if _, dup := result[admin.ID]; dup {
			return nil, fmt.Errorf("duplicate admin %s", admin.ID)
		}
		if _, err := cryptoutils.ParsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}
	return result, nil
}
