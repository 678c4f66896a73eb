package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/termtunnel/termtunnel/internal/authz"
)

// sqliteStore is the embedded single-file back-end (§4.5), grounded on the
// teacher's internal/relay/store.go OpenRelay: sql.Open over modernc.org's
// pure-Go driver, WAL and foreign_keys pragmas, migrate on open.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the sqlite file at path and brings
// its schema up to date.
func OpenSQLite(ctx context.Context, path string) (Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db, goose.DialectSQLite3, sqliteMigrations, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// UpsertAgentByTokenHashes resolves a registration to the existing Agent
// record whenever either hash already matches one (spec.md §8's Universal
// Invariant), not just the admin hash: a reconnecting Agent whose
// admin_token_hash is unchanged but whose share_token_hash happens to
// collide with a different, unrelated row (or vice versa) must still
// resolve to its own record rather than hit the other row's UNIQUE
// constraint. It looks up by both hashes before deciding whether to update
// the matched row or insert a fresh one, inside a transaction so a
// concurrent registration can't race the lookup against the write.
func (s *sqliteStore) UpsertAgentByTokenHashes(ctx context.Context, name, adminHash, shareHash string) (Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("upsert agent: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	existing, ok, err := findAgentByEitherHash(ctx, tx, adminHash, shareHash)
	if err != nil {
		return Agent{}, err
	}

	if ok {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET name = ?, admin_token_hash = ?, share_token_hash = ?, last_connected_at = ?
			WHERE id = ?`,
			name, adminHash, shareHash, now, existing.ID,
		); err != nil {
			return Agent{}, fmt.Errorf("upsert agent: update: %w", err)
		}
		existing.Name, existing.AdminTokenHash, existing.ShareTokenHash, existing.LastConnectedAt = name, adminHash, shareHash, now
		if err := tx.Commit(); err != nil {
			return Agent{}, fmt.Errorf("upsert agent: commit: %w", err)
		}
		return existing, nil
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, admin_token_hash, share_token_hash, created_at, last_connected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, adminHash, shareHash, now, now,
	); err != nil {
		return Agent{}, fmt.Errorf("upsert agent: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Agent{}, fmt.Errorf("upsert agent: commit: %w", err)
	}
	return Agent{ID: id, Name: name, AdminTokenHash: adminHash, ShareTokenHash: shareHash, CreatedAt: now, LastConnectedAt: now}, nil
}

// findAgentByEitherHash looks up by admin_token_hash first, falling back to
// share_token_hash, since either one alone is enough to identify the
// reconnecting Agent's existing record.
func findAgentByEitherHash(ctx context.Context, tx *sql.Tx, adminHash, shareHash string) (Agent, bool, error) {
	for _, pair := range []struct{ column, hash string }{
		{"admin_token_hash", adminHash},
		{"share_token_hash", shareHash},
	} {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at FROM agents WHERE %s = ?", pair.column),
			pair.hash,
		)
		var a Agent
		err := row.Scan(&a.ID, &a.Name, &a.AdminTokenHash, &a.ShareTokenHash, &a.CreatedAt, &a.LastConnectedAt)
		if err == nil {
			return a, true, nil
		}
		if err != sql.ErrNoRows {
			return Agent{}, false, fmt.Errorf("scan agent: %w", err)
		}
	}
	return Agent{}, false, nil
}

func (s *sqliteStore) findAgentByHash(ctx context.Context, column, hash string) (Agent, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at FROM agents WHERE %s = ?", column),
		hash,
	)
	var a Agent
	if err := row.Scan(&a.ID, &a.Name, &a.AdminTokenHash, &a.ShareTokenHash, &a.CreatedAt, &a.LastConnectedAt); err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, false, nil
		}
		return Agent{}, false, fmt.Errorf("scan agent: %w", err)
	}
	return a, true, nil
}

func (s *sqliteStore) UpdateLastSeen(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE agents SET last_connected_at = ? WHERE id = ?", time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at FROM agents ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.AdminTokenHash, &a.ShareTokenHash, &a.CreatedAt, &a.LastConnectedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *sqliteStore) GetAgent(ctx context.Context, agentID string) (Agent, bool, error) {
	return s.findAgentByHash(ctx, "id", agentID)
}

func (s *sqliteStore) FindAgentByAdminHash(ctx context.Context, hash string) (string, bool, error) {
	a, ok, err := s.findAgentByHash(ctx, "admin_token_hash", hash)
	return a.ID, ok, err
}

func (s *sqliteStore) FindAgentByShareHash(ctx context.Context, hash string) (string, bool, error) {
	a, ok, err := s.findAgentByHash(ctx, "share_token_hash", hash)
	return a.ID, ok, err
}

func (s *sqliteStore) RecordInstance(ctx context.Context, inst InstanceRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO instances (id, agent_id, cwd, status, created_at) VALUES (?, ?, ?, ?, ?)",
		inst.ID, inst.AgentID, inst.CWD, inst.Status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record instance: %w", err)
	}
	return nil
}

func (s *sqliteStore) MarkInstanceStatus(ctx context.Context, instanceID, status string) error {
	var err error
	if status == "closed" {
		_, err = s.db.ExecContext(ctx, "UPDATE instances SET status = ?, closed_at = ? WHERE id = ?", status, time.Now().UTC(), instanceID)
	} else {
		_, err = s.db.ExecContext(ctx, "UPDATE instances SET status = ? WHERE id = ?", status, instanceID)
	}
	if err != nil {
		return fmt.Errorf("mark instance status: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListInstancesByAgent(ctx context.Context, agentID string) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent_id, cwd, status, created_at, closed_at FROM instances WHERE agent_id = ? ORDER BY created_at",
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []InstanceRecord
	for rows.Next() {
		var inst InstanceRecord
		var closedAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.AgentID, &inst.CWD, &inst.Status, &inst.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if closedAt.Valid {
			inst.ClosedAt = closedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *sqliteStore) AddTag(ctx context.Context, agentID, tag string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO agent_tags (agent_id, tag, created_at) VALUES (?, ?, ?)",
		agentID, tag, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveTag(ctx context.Context, agentID, tag string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agent_tags WHERE agent_id = ? AND tag = ?", agentID, tag)
	if err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListTags(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM agent_tags WHERE agent_id = ? ORDER BY tag", agentID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *sqliteStore) AppendHistoryChunk(ctx context.Context, chunk HistoryChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO terminal_history (instance_id, sequence_number, output_data, byte_size, created_at) VALUES (?, ?, ?, ?, ?)",
		chunk.InstanceID, chunk.SequenceNumber, chunk.OutputData, chunk.ByteSize, now,
	)
	if err != nil {
		return fmt.Errorf("append history chunk: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO terminal_history_meta (instance_id, total_bytes, next_sequence, buffer_size_kb, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			total_bytes = total_bytes + ?,
			next_sequence = ?,
			updated_at = ?`,
		chunk.InstanceID, chunk.ByteSize, chunk.SequenceNumber+1, now, now,
		chunk.ByteSize, chunk.SequenceNumber+1, now,
	)
	if err != nil {
		return fmt.Errorf("update history meta: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteStore) TrimHistoryToCap(ctx context.Context, instanceID string, capBytes int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT total_bytes FROM terminal_history_meta WHERE instance_id = ?", instanceID).Scan(&total); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("read history meta: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT sequence_number, byte_size FROM terminal_history WHERE instance_id = ? ORDER BY sequence_number",
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("scan history for trim: %w", err)
	}

	type seqSize struct {
		seq  int64
		size int
	}
	var chunks []seqSize
	for rows.Next() {
		var c seqSize
		if err := rows.Scan(&c.seq, &c.size); err != nil {
			rows.Close()
			return fmt.Errorf("scan history chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	rows.Close()

	var trimmed int
	var lastTrimmedSeq int64 = -1
	for _, c := range chunks {
		if total-trimmed <= capBytes {
			break
		}
		trimmed += c.size
		lastTrimmedSeq = c.seq
	}
	if lastTrimmedSeq < 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM terminal_history WHERE instance_id = ? AND sequence_number <= ?",
		instanceID, lastTrimmedSeq,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE terminal_history_meta SET total_bytes = total_bytes - ?, updated_at = ? WHERE instance_id = ?",
		trimmed, time.Now().UTC(), instanceID,
	); err != nil {
		return fmt.Errorf("update history meta after trim: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteStore) LoadHistory(ctx context.Context, instanceID string) ([]HistoryChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT instance_id, sequence_number, output_data, byte_size, created_at FROM terminal_history WHERE instance_id = ? ORDER BY sequence_number",
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var chunks []HistoryChunk
	for rows.Next() {
		var c HistoryChunk
		if err := rows.Scan(&c.InstanceID, &c.SequenceNumber, &c.OutputData, &c.ByteSize, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *sqliteStore) DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM terminal_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e authz.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (timestamp, event_type, session_id, user_role, agent_id, instance_id, target_id, client_ip, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.EventKind, e.SessionID, e.Role.String(),
		nullableString(e.AgentID), nullableString(e.InstanceID), nullableString(e.TargetID),
		e.ClientIP, e.Success, nullableString(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, int, error) {
	whereClause := ""
	args := []any{}
	if q.Kind != "" {
		whereClause = "WHERE event_type = ?"
		args = append(args, q.Kind)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	selectQuery := fmt.Sprintf(
		"SELECT id, timestamp, event_type, session_id, user_role, agent_id, instance_id, target_id, client_ip, success, details FROM audit_logs %s ORDER BY id DESC LIMIT ? OFFSET ?",
		whereClause,
	)
	rows, err := s.db.QueryContext(ctx, selectQuery, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var agentID, instanceID, targetID, details sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.EventType, &r.SessionID, &r.UserRole,
			&agentID, &instanceID, &targetID, &r.ClientIP, &r.Success, &details); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		r.AgentID, r.InstanceID, r.TargetID, r.Details = agentID.String, instanceID.String, targetID.String, details.String
		records = append(records, r)
	}
	return records, total, rows.Err()
}

func (s *sqliteStore) DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old audit logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) GetRelayConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM relay_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get relay config %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqliteStore) SetRelayConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO relay_config (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("set relay config %s: %w", key, err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
