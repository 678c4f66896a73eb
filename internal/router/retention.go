package router

import (
	"context"
	"time"

	"github.com/termtunnel/termtunnel/internal/proto"
)

// sweep runs the three retention passes described in §4.5: trim expired
// History Chunks, trim expired Audit Entries, and stop+purge any Instance
// whose owning Agent has been gone longer than the history retention
// window. Called once an hour from RunRetentionSweep.
func (s *Server) sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.repo.DeleteHistoryOlderThan(ctx, now.Add(-s.cfg.HistoryRetention)); err != nil {
		s.log.Warn("history retention sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("history retention sweep", "deleted_chunks", n)
	}

	if n, err := s.repo.DeleteAuditOlderThan(ctx, now.Add(-s.cfg.AuditRetention)); err != nil {
		s.log.Warn("audit retention sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("audit retention sweep", "deleted_entries", n)
	}

	s.purgeStaleInstances(ctx, now.Add(-s.cfg.HistoryRetention))
}

func (s *Server) purgeStaleInstances(ctx context.Context, before time.Time) {
	for _, inst := range s.instances.staleSuspended(before) {
		s.instances.remove(inst.ID)
		s.bus.RemoveInstance(inst.ID)
		if err := s.repo.MarkInstanceStatus(ctx, inst.ID, StatusClosed); err != nil {
			s.log.Warn("failed to mark stale instance closed", "instance_id", inst.ID, "error", err)
		}
		s.sessions.broadcastToInstance(inst.ID, proto.InstanceClosedNotice{Type: proto.TypeInstanceClosedNotice, InstanceID: inst.ID})
		s.sessions.detachAll(inst.ID)
		s.log.Info("purged stale suspended instance", "instance_id", inst.ID, "agent_id", inst.AgentID)
	}
}
