package proto

// InstanceSummary describes one Instance in list/admin responses.
type InstanceSummary struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	CWD       string `json:"cwd"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// InstanceList answers ListInstances / ListAgentInstances.
type InstanceList struct {
	Type      string            `json:"type"`
	Instances []InstanceSummary `json:"instances"`
}

// InstanceCreated is broadcast when an Admin/SuperAdmin's create-instance
// request completes.
type InstanceCreated struct {
	Type     string          `json:"type"`
	Instance InstanceSummary `json:"instance"`
}

// InstanceClosedNotice tells attached Users an instance is gone, regardless
// of cause (explicit close, force-close, or Agent-side PTY exit).
type InstanceClosedNotice struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

// UserJoined / UserLeft report the refreshed attached-user count for an
// instance to its other co-attached Users.
type UserJoined struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	UserCount  int    `json:"user_count"`
}

type UserLeft struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	UserCount  int    `json:"user_count"`
}

// AgentStatusChanged is broadcast to interested Users on Agent connect/drop.
type AgentStatusChanged struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Online  bool   `json:"online"`
}

// AdminStats answers GetAdminStats.
type AdminStats struct {
	Type             string `json:"type"`
	TotalAgents      int    `json:"total_agents"`
	OnlineAgents     int    `json:"online_agents"`
	TotalInstances   int    `json:"total_instances"`
	RunningInstances int    `json:"running_instances"`
	TotalUsers       int    `json:"total_users"`
	HistoryBytes     string `json:"history_bytes"` // humanize.Bytes formatted
}

// AuditLogEntry mirrors one row of the audit_logs table over the wire.
type AuditLogEntry struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	EventType  string `json:"event_type"`
	SessionID  string `json:"session_id"`
	UserRole   string `json:"user_role"`
	AgentID    string `json:"agent_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	ClientIP   string `json:"client_ip"`
	Success    bool   `json:"success"`
	Details    string `json:"details,omitempty"`
}

// AuditLogList answers GetAuditLogs.
type AuditLogList struct {
	Type    string          `json:"type"`
	Entries []AuditLogEntry `json:"entries"`
	Total   int             `json:"total"`
}

// AgentTags answers ListTagsRequest with one agent's tags. TagList carries
// a bare tag list with no agent id; the router does not send it.
type TagList struct {
	Type string   `json:"type"`
	Tags []string `json:"tags"`
}

type AgentTags struct {
	Type    string   `json:"type"`
	AgentID string   `json:"agent_id"`
	Tags    []string `json:"tags"`
}

// TagAdded / TagRemoved confirm a mutation.
type TagAdded struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Tag     string `json:"tag"`
}

type TagRemoved struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Tag     string `json:"tag"`
}

// AgentDisconnected / AgentDeleted confirm SuperAdmin lifecycle operations.
type AgentDisconnected struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type AgentDeleted struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

// WorkingAgentSelected / WorkingAgentCleared confirm the SuperAdmin's
// session-scoped working-agent selection.
type WorkingAgentSelected struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type WorkingAgentCleared struct {
	Type string `json:"type"`
}

// ServerHeartbeatAck acknowledges a User heartbeat.
type ServerHeartbeatAck struct {
	Type string `json:"type"`
}
