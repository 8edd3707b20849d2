package domain

import (
	"fmt"
	"time"
)

// TenantKey identifies one messaging instance owned by one organization.
type TenantKey struct {
	OrganizationID string `json:"organization_id"`
	InstanceID     string `json:"instance_id"`
}

// String renders the canonical storage key, e.g. "org-42_inst-7".
func (k TenantKey) String() string {
	return fmt.Sprintf("%s_%s", k.OrganizationID, k.InstanceID)
}

// ConnectionStatus is the coarse lifecycle state reported to operators.
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusPairingPending ConnectionStatus = "pairing_pending"
	StatusQRPending      ConnectionStatus = "qr_pending"
	StatusConnected      ConnectionStatus = "connected"
	StatusFailed         ConnectionStatus = "failed"
)

// AuthMethod selects the authentication flow for a new session.
type AuthMethod string

const (
	AuthPairingCode AuthMethod = "pairing_code"
	AuthQRCode      AuthMethod = "qr_code"
)

// DisconnectReason classifies why a transport session ended.
type DisconnectReason string

const (
	ReasonLoggedOut        DisconnectReason = "logged_out"
	ReasonConnectionLost   DisconnectReason = "connection_lost"
	ReasonConnectionClosed DisconnectReason = "connection_closed"
	ReasonReplaced         DisconnectReason = "connection_replaced"
	ReasonTimedOut         DisconnectReason = "timed_out"
	ReasonBadSession       DisconnectReason = "bad_session"
	ReasonBanned           DisconnectReason = "banned"
	ReasonRestartRequired  DisconnectReason = "restart_required"
	ReasonUnknown          DisconnectReason = "unknown"
)

// ConnectionState is the fine-grained state of a live connection. Each
// variant carries only the data valid in that state, so a pairing code
// cannot outlive the pairing_pending phase.
type ConnectionState interface {
	Status() ConnectionStatus
}

type StateConnecting struct{}

func (StateConnecting) Status() ConnectionStatus { return StatusConnecting }

type StatePairingPending struct {
	Code      string
	ExpiresAt time.Time
}

func (StatePairingPending) Status() ConnectionStatus { return StatusPairingPending }

type StateQRPending struct {
	Payload string
}

func (StateQRPending) Status() ConnectionStatus { return StatusQRPending }

type StateConnected struct {
	Since time.Time
}

func (StateConnected) Status() ConnectionStatus { return StatusConnected }

type StateDisconnected struct {
	Reason DisconnectReason
}

func (StateDisconnected) Status() ConnectionStatus { return StatusDisconnected }

type StateFailed struct {
	Reason string
}

func (StateFailed) Status() ConnectionStatus { return StatusFailed }

// ConnectionInfo is the operator-facing snapshot of one connection.
type ConnectionInfo struct {
	OrganizationID    string           `json:"organization_id"`
	InstanceID        string           `json:"instance_id"`
	Status            ConnectionStatus `json:"status"`
	PhoneNumber       string           `json:"phone_number,omitempty"`
	PairingCode       string           `json:"pairing_code,omitempty"`
	QRPayload         string           `json:"qr_payload,omitempty"`
	ConnectedAt       *time.Time       `json:"connected_at,omitempty"`
	LastActivity      *time.Time       `json:"last_activity,omitempty"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
}

// InstanceHealth is the degraded-safe health report: it is answerable
// for instances the registry has never seen.
type InstanceHealth struct {
	InstanceID        string           `json:"instance_id"`
	IsConnected       bool             `json:"is_connected"`
	Status            ConnectionStatus `json:"status"`
	PhoneNumber       string           `json:"phone_number,omitempty"`
	LastActivity      *time.Time       `json:"last_activity,omitempty"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	SessionExists     bool             `json:"session_exists"`
}
