// Package proto defines the tunnel wire protocol: a symmetric, framed,
// text-oriented message schema exchanged as JSON over WebSocket between
// Agent and Server, and between User and Server.
package proto

// Message type discriminators. JSON field names are snake_case to match the
// persistence schema; the type values themselves are kebab-case.
const (
	// Agent -> Server
	TypeRegister       = "register"
	TypeInstanceOpened = "instance-opened"
	TypeInstanceClosed = "instance-closed"
	TypePTYOutput      = "pty-output"
	TypeResizeAck      = "resize-ack"
	TypeHeartbeatAck   = "heartbeat-ack"

	// Server -> Agent
	TypeRegisterResult = "register-result"
	TypeCreateInstance = "create-instance"
	TypeCloseInstance  = "close-instance"
	TypePTYInput       = "pty-input"
	TypeResize         = "resize"
	TypeHeartbeat      = "heartbeat"
	TypeShutdown       = "shutdown"

	// User -> Server
	TypeAuth                 = "auth"
	TypeListInstances        = "list-instances"
	TypeListAgentInstances   = "list-agent-instances"
	TypeCreateInstanceRequest = "create-instance-request"
	TypeCloseInstanceRequest  = "close-instance-request"
	TypeForceCloseInstance   = "force-close-instance"
	TypeAttach               = "attach"
	TypeDetach               = "detach"
	TypeUserPTYInput         = "user-pty-input"
	TypeUserResize           = "user-resize"
	TypeGetAdminStats        = "get-admin-stats"
	TypeGetAuditLogs         = "get-audit-logs"
	TypeAddTag               = "add-tag"
	TypeRemoveTag            = "remove-tag"
	TypeListTags             = "list-tags"
	TypeSelectWorkingAgent   = "select-working-agent"
	TypeClearWorkingAgent    = "clear-working-agent"
	TypeForceDisconnectAgent = "force-disconnect-agent"
	TypeDeleteAgent          = "delete-agent"
	TypeUserHeartbeat        = "user-heartbeat"

	// Server -> User
	TypeAuthResult           = "auth-result"
	TypeInstanceList         = "instance-list"
	TypeInstanceCreated      = "instance-created"
	TypeInstanceClosedNotice = "instance-closed-notice"
	TypeUserJoined           = "user-joined"
	TypeUserLeft             = "user-left"
	TypeAgentStatusChanged   = "agent-status-changed"
	TypeAdminStats           = "admin-stats"
	TypeTagList              = "tag-list"
	TypeAgentTags            = "agent-tags"
	TypeTagAdded             = "tag-added"
	TypeTagRemoved           = "tag-removed"
	TypeAgentDisconnected    = "agent-disconnected"
	TypeAgentDeleted         = "agent-deleted"
	TypeAuditLogList         = "audit-log-list"
	TypeWorkingAgentSelected = "working-agent-selected"
	TypeWorkingAgentCleared  = "working-agent-cleared"
	TypeServerHeartbeatAck   = "server-heartbeat-ack"

	// Shared
	TypeError = "error"
)

// Error kinds carried in an Error frame's Kind field.
const (
	ErrAuthFailed      = "auth_failed"
	ErrRateLimited     = "rate_limited"
	ErrNotAuthorized   = "not_authorized"
	ErrUnknownInstance = "unknown_instance"
	ErrAgentOffline    = "agent_offline"
	ErrInvalidPayload  = "invalid_payload"
	ErrInternal        = "internal"
)

// Envelope is the minimal shape every frame satisfies; handlers decode this
// first to route to the full typed struct.
type Envelope struct {
	Type string `json:"type"`
}

// Error is sent by either peer on a protocol or authorization violation.
// auth_failed and rate_limited are the only kinds that also close the socket.
type Error struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewError(kind, message string) Error {
	return Error{Type: TypeError, Kind: kind, Message: message}
}
