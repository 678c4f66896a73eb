// Package store implements the Persistence & Retention component (§4.5):
// a single abstract Repository presented over two interchangeable
// back-ends, an embedded single-file store and a networked relational
// store, selected by configuration.
package store

import (
	"context"
	"time"

	"github.com/termtunnel/termtunnel/internal/authz"
)

// Repository is the full set of persistence operations §4.5 enumerates.
// sqliteStore and mysqlStore each implement it against their own driver;
// internal/router depends only on this interface, and it also satisfies
// internal/authz's AgentLookup and AuditWriter.
type Repository interface {
	UpsertAgentByTokenHashes(ctx context.Context, name, adminHash, shareHash string) (Agent, error)
	UpdateLastSeen(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, agentID string) (Agent, bool, error)

	FindAgentByAdminHash(ctx context.Context, hash string) (agentID string, ok bool, err error)
	FindAgentByShareHash(ctx context.Context, hash string) (agentID string, ok bool, err error)

	RecordInstance(ctx context.Context, inst InstanceRecord) error
	MarkInstanceStatus(ctx context.Context, instanceID, status string) error
	ListInstancesByAgent(ctx context.Context, agentID string) ([]InstanceRecord, error)

	AddTag(ctx context.Context, agentID, tag string) error
	RemoveTag(ctx context.Context, agentID, tag string) error
	ListTags(ctx context.Context, agentID string) ([]string, error)

	AppendHistoryChunk(ctx context.Context, chunk HistoryChunk) error
	TrimHistoryToCap(ctx context.Context, instanceID string, capBytes int) error
	LoadHistory(ctx context.Context, instanceID string) ([]HistoryChunk, error)
	DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	AppendAudit(ctx context.Context, e authz.Entry) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, int, error)
	DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	GetRelayConfig(ctx context.Context, key string) (string, bool, error)
	SetRelayConfig(ctx context.Context, key, value string) error

	Close() error
}
