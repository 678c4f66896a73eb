package store

import "time"

// Agent is a persisted Agent Record (§3, §6): identity plus the hashed
// token pair that classifies a presented token at auth time.
type Agent struct {
	ID              string
	Name            string
	AdminTokenHash  string
	ShareTokenHash  string
	CreatedAt       time.Time
	LastConnectedAt time.Time
}

// HistoryChunk is one ordered slice of PTY output persisted for replay
// after reconnect (§4.5).
type HistoryChunk struct {
	InstanceID     string
	SequenceNumber int64
	OutputData     []byte
	ByteSize       int
	CreatedAt      time.Time
}

// AuditQuery filters query-audit (§4.5): limit/offset paging plus an
// optional event-kind filter.
type AuditQuery struct {
	Limit  int
	Offset int
	Kind   string // empty matches all kinds
}

// AuditRecord is a row read back from audit_logs.
type AuditRecord struct {
	ID         int64
	Timestamp  time.Time
	EventType  string
	SessionID  string
	UserRole   string
	AgentID    string
	InstanceID string
	TargetID   string
	ClientIP   string
	Success    bool
	Details    string
}

// InstanceRecord is a durable row tracking an Instance's lifecycle, used
// for admin listings and the retention sweep; live PTY state itself lives
// only in the owning Agent connection's memory (§6).
type InstanceRecord struct {
	ID        string
	AgentID   string
	CWD       string
	Status    string // "running", "suspended", "closed"
	CreatedAt time.Time
	ClosedAt  time.Time
}
