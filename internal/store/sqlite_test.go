package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/termtunnel/termtunnel/internal/authz"
)

func newTestSQLite(t *testing.T) Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestUpsertAndFindAgentByHash(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	agent, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)
	require.Equal(t, "w1", agent.Name)

	id, ok, err := repo.FindAgentByAdminHash(ctx, "admin-hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, agent.ID, id)

	id, ok, err = repo.FindAgentByShareHash(ctx, "share-hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, agent.ID, id)

	_, ok, err = repo.FindAgentByAdminHash(ctx, "no-such-hash")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertAgentIsIdempotentOnReconnect(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	first, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)

	second, err := repo.UpsertAgentByTokenHashes(ctx, "w1-renamed", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "w1-renamed", second.Name)

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

// TestUpsertAgentResolvesByEitherHash covers spec.md §8's Universal
// Invariant: a registration colliding on admin_token_hash alone, or on
// share_token_hash alone, must still resolve to the existing record rather
// than hit the other column's UNIQUE constraint.
func TestUpsertAgentResolvesByEitherHash(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	first, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)

	// Admin hash unchanged, share hash rotated: still the same row.
	second, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-2")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "share-hash-2", second.ShareTokenHash)

	// Share hash unchanged (the one just rotated to), admin hash rotated:
	// still the same row, matched via the share hash this time.
	third, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-3", "share-hash-2")
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)
	require.Equal(t, "admin-hash-3", third.AdminTokenHash)

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestDeleteAgentCascadesTags(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	agent, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)
	require.NoError(t, repo.AddTag(ctx, agent.ID, "prod"))

	require.NoError(t, repo.DeleteAgent(ctx, agent.ID))

	tags, err := repo.ListTags(ctx, agent.ID)
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestTagCRUD(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	agent, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)

	require.NoError(t, repo.AddTag(ctx, agent.ID, "prod"))
	require.NoError(t, repo.AddTag(ctx, agent.ID, "db"))
	require.NoError(t, repo.AddTag(ctx, agent.ID, "prod")) // idempotent

	tags, err := repo.ListTags(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"db", "prod"}, tags)

	require.NoError(t, repo.RemoveTag(ctx, agent.ID, "db"))
	tags, err = repo.ListTags(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"prod"}, tags)
}

func TestHistoryAppendLoadAndTrim(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		err := repo.AppendHistoryChunk(ctx, HistoryChunk{
			InstanceID:     "inst-1",
			SequenceNumber: i,
			OutputData:     []byte("chunk"),
			ByteSize:       5,
		})
		require.NoError(t, err)
	}

	chunks, err := repo.LoadHistory(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	require.NoError(t, repo.TrimHistoryToCap(ctx, "inst-1", 10))

	chunks, err = repo.LoadHistory(ctx, "inst-1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(chunks), 2)
}

func TestDeleteHistoryOlderThan(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.AppendHistoryChunk(ctx, HistoryChunk{InstanceID: "inst-1", SequenceNumber: 0, OutputData: []byte("x"), ByteSize: 1}))

	n, err := repo.DeleteHistoryOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	chunks, err := repo.LoadHistory(ctx, "inst-1")
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestAuditAppendAndQuery(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.AppendAudit(ctx, authz.Entry{
		EventKind: "auth_success",
		SessionID: "sess-1",
		Role:      authz.RoleAdmin,
		ClientIP:  "10.0.0.1",
		Success:   true,
	}))
	require.NoError(t, repo.AppendAudit(ctx, authz.Entry{
		EventKind: "auth_failure",
		SessionID: "sess-2",
		Role:      authz.RoleShare,
		ClientIP:  "10.0.0.2",
		Success:   false,
	}))

	records, total, err := repo.QueryAudit(ctx, AuditQuery{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, records, 2)

	records, total, err = repo.QueryAudit(ctx, AuditQuery{Limit: 10, Kind: "auth_success"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "auth_success", records[0].EventType)
}

func TestRelayConfigRoundTrip(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	_, ok, err := repo.GetRelayConfig(ctx, "relay_secret")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.SetRelayConfig(ctx, "relay_secret", "abc123"))

	value, ok, err := repo.GetRelayConfig(ctx, "relay_secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc123", value)
}

func TestLoadOrGenerateRelaySecretPersists(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	first, err := LoadOrGenerateRelaySecret(ctx, repo)
	require.NoError(t, err)

	second, err := LoadOrGenerateRelaySecret(ctx, repo)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestInstanceLifecycle(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	agent, err := repo.UpsertAgentByTokenHashes(ctx, "w1", "admin-hash-1", "share-hash-1")
	require.NoError(t, err)

	require.NoError(t, repo.RecordInstance(ctx, InstanceRecord{ID: "inst-1", AgentID: agent.ID, CWD: "/home", Status: "running"}))

	instances, err := repo.ListInstancesByAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "running", instances[0].Status)

	require.NoError(t, repo.MarkInstanceStatus(ctx, "inst-1", "closed"))

	instances, err = repo.ListInstancesByAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, "closed", instances[0].Status)
	require.False(t, instances[0].ClosedAt.IsZero())
}
