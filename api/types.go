package api

import (
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// GenerateKeyRequest is the body of POST /api/v1/keys.
type GenerateKeyRequest struct {
	LicenseKey   string `json:"license_key"`
	ModelID      string `json:"model_id"`
	LifetimeDays int    `json:"lifetime_days,omitempty"`
}

// RotateKeyRequest is the body of POST /api/v1/keys/{key_id}/rotate.
type RotateKeyRequest struct {
	LicenseKey    string   `json:"license_key"`
	NotifyClients []string `json:"notify_clients,omitempty"`
}

// RevokeKeyRequest is the body of POST /api/v1/keys/{key_id}/revoke.
type RevokeKeyRequest struct {
	Reason string `json:"reason"`
}

type RevokeKeyResponse struct {
	Revoked bool `json:"revoked"`
}

type BindingResponse struct {
	KeyID string `json:"key_id"`
	Valid bool   `json:"valid"`
}

type CleanupResponse struct {
	Disposed int `json:"disposed"`
}

// UploadModelResponse describes a model encrypted and stored block by block.
type UploadModelResponse struct {
	ManifestID string `json:"manifest_id"`
	ModelID    string `json:"model_id"`
	KeyID      string `json:"key_id"`
	Blocks     int    `json:"blocks"`
}

// StartTransferRequest is the body of POST /api/v1/transfers.
type StartTransferRequest struct {
	AdminNodeID  string `json:"admin_node_id"`
	ClientNodeID string `json:"client_node_id"`
	ManifestID   string `json:"manifest_id"`

	// Start runs the session right away. Otherwise it stays pending until
	// POST /api/v1/transfers/{session_id}/run, leaving time for the client
	// to fetch its session key.
	Start bool `json:"start,omitempty"`
}

type StartTransferResponse struct {
	SessionID string                    `json:"session_id"`
	Status    interfaces.TransferStatus `json:"status"`
}

// SessionKeyRequest carries the PEM public key of the receiving client node.
type SessionKeyRequest struct {
	ClientPublicKey string `json:"client_public_key"`
}

type SessionKeyResponse struct {
	SessionID  string `json:"session_id"`
	WrappedKey []byte `json:"wrapped_key"`
}

type CancelTransferResponse struct {
	Cancelled bool `json:"cancelled"`
}

// UnsealStatusResponse reports progress of the keystore unseal.
type UnsealStatusResponse struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold,omitempty"`
	TotalShares    int    `json:"total_shares,omitempty"`
	SharesReceived int    `json:"shares_received,omitempty"`
}

// AdminGetShareResponse carries a share encrypted to the requesting admin.
type AdminGetShareResponse struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"` // base64 encoded
}

// SubmitShareRequest is the body of POST /admin/share.
type SubmitShareRequest struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"`     // base64 encoded
	Signature  string `json:"signature"` // base64 encoded
}

type MessageResponse struct {
	Message string `json:"message"`
}
