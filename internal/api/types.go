package api

import (
	"time"

	"mailpush/internal/pingsync"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	// Error message
	Error string `json:"error" example:"account not found"`
	// HTTP status code
	Code int `json:"code" example:"404"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status       string     `json:"status"`
	PushRunning  bool       `json:"push_running"`
	Since        *time.Time `json:"since,omitempty"`
	Accounts     int        `json:"accounts"`
	Subscribers  int        `json:"subscribers"`
	KickAccounts int        `json:"kick_accounts"`
}

// PushAccountStatus is one row of GET /api/push/accounts.
type PushAccountStatus struct {
	pingsync.AccountSnapshot
	RetryAt *time.Time `json:"retry_at,omitempty"`
	Kicked  bool       `json:"kicked"`
}

// SyncRequest is the optional body of POST /api/accounts/{id}/sync.
type SyncRequest struct {
	// Only restart the ping, talk to no server
	PushOnly bool `json:"pushOnly" example:"false"`
}

// ActivityResponse 活动记录响应
type ActivityResponse struct {
	ID          uint        `json:"id"`
	Type        string      `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	AccountID   *uint       `json:"account_id,omitempty"`
	Status      string      `json:"status"`
	Metadata    interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}
