package rpc

import "alatele/internal/models"

// Backend wire format: JSON over HTTP, bearer token auth.

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	FileNameHeader       = "X-File-Name"
)

const (
	PathAdminLogin     = "/auth/admin"
	PathGuestLogin     = "/auth/guest"
	PathFederatedLogin = "/auth/federated"
	PathMessages       = "/messages"
	PathPublicMessages = "/messages/public"
	PathPrivateMessage = "/messages/private/{identity}"
	PathMessage        = "/messages/{id}"
	PathBlobs          = "/blobs"
	PathBlob           = "/blobs/{ref}"
	PathProfile        = "/profile"
	PathUserProfile    = "/profiles/{identity}"
	PathContacts       = "/contacts"
)

type LoginRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type SendRequest struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Recipient   *models.Identity    `json:"recipient,omitempty"`
}

type SendResponse struct {
	ID int64 `json:"id"`
}

type EditRequest struct {
	Content string `json:"content"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
