package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/fanout"
	"github.com/termtunnel/termtunnel/internal/proto"
	"github.com/termtunnel/termtunnel/internal/store"
)

// handleUserWS upgrades and serves one User session connection (§4.3, §4.4).
func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), ip)
		if err != nil {
			s.log.Warn("rate limiter error, allowing request", "error", err)
		} else if !allowed {
			s.audit.Record(authz.Entry{EventKind: "auth", ClientIP: ip, Success: false, Detail: "rate_limited"})
			if conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true}); err == nil {
				writeAndClose(conn, proto.NewError(proto.ErrRateLimited, "too many authentication attempts"))
			}
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("user websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	authCtx, cancel := context.WithTimeout(r.Context(), authReadTimeout)
	_, data, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		return
	}

	var auth proto.Auth
	if jsonErr := json.Unmarshal(data, &auth); jsonErr != nil || auth.Type != proto.TypeAuth {
		s.audit.Record(authz.Entry{EventKind: "auth", ClientIP: ip, Success: false, Detail: "invalid_payload"})
		writeAndClose(conn, proto.NewError(proto.ErrInvalidPayload, "expected an auth frame"))
		return
	}

	classification, ok, err := authz.Classify(r.Context(), s.repo, s.secret, s.cfg.SuperAdminToken, auth.Token, s.cfg.TokenMinLength)
	if err != nil {
		s.log.Error("token classification failed", "error", err)
		s.audit.Record(authz.Entry{EventKind: "auth", ClientIP: ip, Success: false, Detail: "internal"})
		writeAndClose(conn, proto.NewError(proto.ErrInternal, "internal error"))
		return
	}
	if !ok {
		s.audit.Record(authz.Entry{EventKind: "auth", ClientIP: ip, Success: false})
		writeAndClose(conn, proto.NewError(proto.ErrAuthFailed, "authentication failed"))
		return
	}

	var agentName string
	if classification.AgentID != "" {
		if agent, found, _ := s.repo.GetAgent(r.Context(), classification.AgentID); found {
			agentName = agent.Name
		}
	}

	sess := newUserSession(classification.Role, classification.AgentID, ip, conn)
	s.sessions.add(sess)
	go sess.egressLoop()
	go sess.heartbeatWatchdog(s.cfg.HeartbeatInterval)
	defer func() {
		s.sessions.remove(sess)
		sess.stop()
	}()

	s.audit.Record(authz.Entry{EventKind: "auth", SessionID: sess.id, Role: classification.Role, AgentID: classification.AgentID, ClientIP: ip, Success: true})
	sess.sendJSON(proto.AuthResult{Type: proto.TypeAuthResult, Success: true, Role: classification.Role.String(), AgentName: agentName, AgentID: classification.AgentID})

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		sess.touch()
		s.dispatchUserFrame(r.Context(), sess, data)
	}
}

func writeAndClose(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), userWriteTimeout)
	defer cancel()
	conn.Write(ctx, websocket.MessageText, data)
	conn.Close(websocket.StatusPolicyViolation, "")
}

func (s *Server) dispatchUserFrame(ctx context.Context, sess *userSession, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInvalidPayload, "malformed frame"))
		return
	}

	switch env.Type {
	case proto.TypeListInstances:
		s.handleListInstances(sess)
	case proto.TypeListAgentInstances:
		var msg proto.ListAgentInstances
		json.Unmarshal(data, &msg)
		s.handleListAgentInstances(sess, msg)
	case proto.TypeAttach:
		var msg proto.Attach
		json.Unmarshal(data, &msg)
		s.handleAttach(ctx, sess, msg)
	case proto.TypeDetach:
		var msg proto.Detach
		json.Unmarshal(data, &msg)
		s.handleDetach(sess, msg)
	case proto.TypeCreateInstanceRequest:
		var msg proto.CreateInstanceRequest
		json.Unmarshal(data, &msg)
		s.handleCreateInstanceRequest(ctx, sess, msg)
	case proto.TypeCloseInstanceRequest:
		var msg proto.CloseInstanceRequest
		json.Unmarshal(data, &msg)
		s.handleCloseInstanceRequest(ctx, sess, msg, false)
	case proto.TypeForceCloseInstance:
		var msg proto.ForceCloseInstance
		json.Unmarshal(data, &msg)
		s.handleCloseInstanceRequest(ctx, sess, proto.CloseInstanceRequest{InstanceID: msg.InstanceID}, true)
	case proto.TypeUserPTYInput:
		var msg proto.UserPTYInput
		json.Unmarshal(data, &msg)
		s.handleUserPTYInput(sess, msg)
	case proto.TypeUserResize:
		var msg proto.UserResize
		json.Unmarshal(data, &msg)
		s.handleUserResize(sess, msg)
	case proto.TypeGetAdminStats:
		s.handleGetAdminStats(ctx, sess)
	case proto.TypeGetAuditLogs:
		var msg proto.GetAuditLogs
		json.Unmarshal(data, &msg)
		s.handleGetAuditLogs(ctx, sess, msg)
	case proto.TypeAddTag:
		var msg proto.AddTag
		json.Unmarshal(data, &msg)
		s.handleAddTag(ctx, sess, msg)
	case proto.TypeRemoveTag:
		var msg proto.RemoveTag
		json.Unmarshal(data, &msg)
		s.handleRemoveTag(ctx, sess, msg)
	case proto.TypeListTags:
		var msg proto.ListTagsRequest
		json.Unmarshal(data, &msg)
		s.handleListTags(ctx, sess, msg)
	case proto.TypeSelectWorkingAgent:
		var msg proto.SelectWorkingAgent
		json.Unmarshal(data, &msg)
		s.handleSelectWorkingAgent(ctx, sess, msg)
	case proto.TypeClearWorkingAgent:
		s.handleClearWorkingAgent(sess)
	case proto.TypeForceDisconnectAgent:
		var msg proto.ForceDisconnectAgent
		json.Unmarshal(data, &msg)
		s.handleForceDisconnectAgent(ctx, sess, msg)
	case proto.TypeDeleteAgent:
		var msg proto.DeleteAgent
		json.Unmarshal(data, &msg)
		s.handleDeleteAgent(ctx, sess, msg)
	case proto.TypeUserHeartbeat:
		sess.sendJSON(proto.ServerHeartbeatAck{Type: proto.TypeServerHeartbeatAck})
	default:
		sess.sendJSON(proto.NewError(proto.ErrInvalidPayload, "unrecognized frame type"))
	}
}

// visibleAgent reports whether sess may see agentID's instances: its own
// bound agent for Admin/Share, or any agent for SuperAdmin.
func (sess *userSession) visibleAgent(agentID string) bool {
	return sess.role == authz.RoleSuperAdmin || sess.agentID == agentID
}

func (s *Server) audit2(sess *userSession, kind string, success bool, instanceID, targetID, detail string) {
	s.audit.Record(authz.Entry{
		EventKind:  kind,
		SessionID:  sess.id,
		Role:       sess.role,
		AgentID:    sess.agentID,
		InstanceID: instanceID,
		TargetID:   targetID,
		ClientIP:   sess.clientIP,
		Success:    success,
		Detail:     detail,
	})
}

func instanceSummary(inst *Instance) proto.InstanceSummary {
	return proto.InstanceSummary{ID: inst.ID, AgentID: inst.AgentID, CWD: inst.CWD, Status: inst.Status, CreatedAt: inst.CreatedAt.Format(time.RFC3339)}
}

func (s *Server) handleListInstances(sess *userSession) {
	if !authz.Allowed(sess.role, authz.OpListInstances) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	var out []proto.InstanceSummary
	for _, inst := range s.instances.list() {
		if sess.visibleAgent(inst.AgentID) {
			out = append(out, instanceSummary(inst))
		}
	}
	sess.sendJSON(proto.InstanceList{Type: proto.TypeInstanceList, Instances: out})
}

func (s *Server) handleListAgentInstances(sess *userSession, msg proto.ListAgentInstances) {
	if sess.role != authz.RoleSuperAdmin {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	var out []proto.InstanceSummary
	for _, inst := range s.instances.listByAgent(msg.AgentID) {
		out = append(out, instanceSummary(inst))
	}
	sess.sendJSON(proto.InstanceList{Type: proto.TypeInstanceList, Instances: out})
}

func (s *Server) handleAttach(ctx context.Context, sess *userSession, msg proto.Attach) {
	if !authz.Allowed(sess.role, authz.OpAttach) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	inst, ok := s.instances.get(msg.InstanceID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrUnknownInstance, "no such instance"))
		return
	}
	if !sess.visibleAgent(inst.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}

	// A session is attached to at most one Instance at a time: leave every
	// other Instance first, telling the viewers left behind.
	sess.mu.Lock()
	var prior []string
	for id := range sess.attached {
		if id != msg.InstanceID {
			prior = append(prior, id)
		}
	}
	sess.mu.Unlock()
	for _, id := range prior {
		s.handleDetach(sess, proto.Detach{Type: proto.TypeDetach, InstanceID: id})
	}

	// Hold the instance's bus lock across the history load and the bus
	// join: otherwise a concurrent handlePTYOutput's persist+publish could
	// land in the gap and be missed by both the replay snapshot and the
	// subscription (see fanout.Bus.LockInstance).
	unlock := s.bus.LockInstance(msg.InstanceID)
	history, err := s.repo.LoadHistory(ctx, msg.InstanceID)
	if err != nil {
		unlock()
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to load history"))
		return
	}
	replay := make([][]byte, len(history))
	for i, c := range history {
		replay[i] = c.OutputData
	}

	sess.detach(msg.InstanceID)
	sub := s.bus.SubscribeLocked(msg.InstanceID, replay)
	unlock()

	sess.attach(msg.InstanceID, sub)
	go s.forwardSubscription(sess, msg.InstanceID, sub)

	s.sessions.broadcastToInstance(msg.InstanceID, proto.UserJoined{Type: proto.TypeUserJoined, InstanceID: msg.InstanceID, UserCount: s.sessions.attachedCount(msg.InstanceID)})
}

// forwardSubscription drains one fan-out subscription into pty-output
// frames on sess's socket until the instance is detached, the subscriber
// is dropped for lagging (§4.3's backpressure rule), or the session closes.
func (s *Server) forwardSubscription(sess *userSession, instanceID string, sub fanout.Subscription) {
	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			sess.sendJSON(proto.PTYOutput{Type: proto.TypePTYOutput, InstanceID: instanceID, Data: base64.StdEncoding.EncodeToString(frame)})
		case <-sub.Dropped:
			sess.detach(instanceID)
			sess.sendJSON(proto.NewError(proto.ErrInternal, "attachment dropped: too slow"))
			s.sessions.broadcastToInstance(instanceID, proto.UserLeft{Type: proto.TypeUserLeft, InstanceID: instanceID, UserCount: s.sessions.attachedCount(instanceID)})
			return
		case <-sess.closed:
			return
		}
	}
}

func (s *Server) handleDetach(sess *userSession, msg proto.Detach) {
	if !sess.isAttached(msg.InstanceID) {
		return
	}
	sess.detach(msg.InstanceID)
	s.sessions.broadcastToInstance(msg.InstanceID, proto.UserLeft{Type: proto.TypeUserLeft, InstanceID: msg.InstanceID, UserCount: s.sessions.attachedCount(msg.InstanceID)})
}

func (s *Server) handleCreateInstanceRequest(ctx context.Context, sess *userSession, msg proto.CreateInstanceRequest) {
	if !authz.Allowed(sess.role, authz.OpCreateInstance) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, "create_instance", false, "", "", "not authorized")
		return
	}
	agentID := sess.targetAgentID()
	if agentID == "" {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "no working agent selected"))
		s.audit2(sess, "create_instance", false, "", "", "no working agent selected")
		return
	}
	ac, ok := s.agents.get(agentID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		s.audit2(sess, "create_instance", false, "", agentID, "agent offline")
		return
	}
	instanceID := newInstanceID()
	if err := ac.sendJSON(proto.CreateInstance{Type: proto.TypeCreateInstance, InstanceID: instanceID, CWD: msg.CWD}); err != nil {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		s.audit2(sess, "create_instance", false, instanceID, agentID, "agent offline")
		return
	}
	s.audit2(sess, "create_instance", true, instanceID, agentID, "")
}

func (s *Server) handleCloseInstanceRequest(ctx context.Context, sess *userSession, msg proto.CloseInstanceRequest, force bool) {
	op := authz.OpCloseInstance
	if force {
		op = authz.OpForceCloseInstance
	}
	if !authz.Allowed(sess.role, op) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, string(op), false, msg.InstanceID, "", "not authorized")
		return
	}
	inst, ok := s.instances.get(msg.InstanceID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrUnknownInstance, "no such instance"))
		s.audit2(sess, string(op), false, msg.InstanceID, "", "unknown instance")
		return
	}
	if !force && !sess.visibleAgent(inst.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, string(op), false, msg.InstanceID, inst.AgentID, "not own agent")
		return
	}
	ac, ok := s.agents.get(inst.AgentID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		s.audit2(sess, string(op), false, msg.InstanceID, inst.AgentID, "agent offline")
		return
	}
	ac.sendJSON(proto.CloseInstance{Type: proto.TypeCloseInstance, InstanceID: msg.InstanceID})
	s.audit2(sess, string(op), true, msg.InstanceID, inst.AgentID, "")
}

func (s *Server) handleUserPTYInput(sess *userSession, msg proto.UserPTYInput) {
	if !authz.Allowed(sess.role, authz.OpPTYInput) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	inst, ok := s.instances.get(msg.InstanceID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrUnknownInstance, "no such instance"))
		return
	}
	if !sess.visibleAgent(inst.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	if inst.Status != StatusRunning {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		return
	}
	ac, ok := s.agents.get(inst.AgentID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		return
	}
	ac.sendJSON(proto.PTYInput{Type: proto.TypePTYInput, InstanceID: msg.InstanceID, Data: msg.Data})
}

func (s *Server) handleUserResize(sess *userSession, msg proto.UserResize) {
	if !authz.Allowed(sess.role, authz.OpResize) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	inst, ok := s.instances.get(msg.InstanceID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrUnknownInstance, "no such instance"))
		return
	}
	if !sess.visibleAgent(inst.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	ac, ok := s.agents.get(inst.AgentID)
	if !ok {
		sess.sendJSON(proto.NewError(proto.ErrAgentOffline, "agent is offline"))
		return
	}
	ac.sendJSON(proto.Resize{Type: proto.TypeResize, InstanceID: msg.InstanceID, Cols: msg.Cols, Rows: msg.Rows})
}

func (s *Server) handleGetAdminStats(ctx context.Context, sess *userSession) {
	if !authz.Allowed(sess.role, authz.OpAdminStats) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	agentsList, err := s.repo.ListAgents(ctx)
	if err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to load agents"))
		return
	}
	online := 0
	for _, a := range agentsList {
		if _, ok := s.agents.get(a.ID); ok {
			online++
		}
	}
	total, running := s.instances.count()
	sess.sendJSON(proto.AdminStats{
		Type:             proto.TypeAdminStats,
		TotalAgents:      len(agentsList),
		OnlineAgents:     online,
		TotalInstances:   total,
		RunningInstances: running,
		TotalUsers:       s.sessions.sessionCount(),
		HistoryBytes:     humanize.Bytes(uint64(s.instances.totalHistoryBytes())),
	})
}

func (s *Server) handleGetAuditLogs(ctx context.Context, sess *userSession, msg proto.GetAuditLogs) {
	if !authz.Allowed(sess.role, authz.OpAuditLogs) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	limit := msg.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	records, total, err := s.repo.QueryAudit(ctx, store.AuditQuery{Limit: limit, Offset: msg.Offset, Kind: msg.Kind})
	if err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to query audit log"))
		return
	}
	entries := make([]proto.AuditLogEntry, len(records))
	for i, r := range records {
		entries[i] = proto.AuditLogEntry{
			ID: r.ID, Timestamp: r.Timestamp.Format(time.RFC3339), EventType: r.EventType, SessionID: r.SessionID,
			UserRole: r.UserRole, AgentID: r.AgentID, InstanceID: r.InstanceID, TargetID: r.TargetID,
			ClientIP: r.ClientIP, Success: r.Success, Details: r.Details,
		}
	}
	sess.sendJSON(proto.AuditLogList{Type: proto.TypeAuditLogList, Entries: entries, Total: total})
}

func (s *Server) tagScopeAllowed(sess *userSession, agentID string) bool {
	if sess.role == authz.RoleSuperAdmin {
		return true
	}
	return sess.role == authz.RoleAdmin && sess.agentID == agentID
}

func (s *Server) handleAddTag(ctx context.Context, sess *userSession, msg proto.AddTag) {
	if !authz.Allowed(sess.role, authz.OpTagCRUD) || !s.tagScopeAllowed(sess, msg.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, "add_tag", false, "", msg.AgentID, "not authorized")
		return
	}
	if err := s.repo.AddTag(ctx, msg.AgentID, msg.Tag); err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to add tag"))
		s.audit2(sess, "add_tag", false, "", msg.AgentID, "store error")
		return
	}
	s.audit2(sess, "add_tag", true, "", msg.AgentID, msg.Tag)
	sess.sendJSON(proto.TagAdded{Type: proto.TypeTagAdded, AgentID: msg.AgentID, Tag: msg.Tag})
}

func (s *Server) handleRemoveTag(ctx context.Context, sess *userSession, msg proto.RemoveTag) {
	if !authz.Allowed(sess.role, authz.OpTagCRUD) || !s.tagScopeAllowed(sess, msg.AgentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, "remove_tag", false, "", msg.AgentID, "not authorized")
		return
	}
	if err := s.repo.RemoveTag(ctx, msg.AgentID, msg.Tag); err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to remove tag"))
		s.audit2(sess, "remove_tag", false, "", msg.AgentID, "store error")
		return
	}
	s.audit2(sess, "remove_tag", true, "", msg.AgentID, msg.Tag)
	sess.sendJSON(proto.TagRemoved{Type: proto.TypeTagRemoved, AgentID: msg.AgentID, Tag: msg.Tag})
}

func (s *Server) handleListTags(ctx context.Context, sess *userSession, msg proto.ListTagsRequest) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = sess.agentID
	}
	if !sess.visibleAgent(agentID) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	tags, err := s.repo.ListTags(ctx, agentID)
	if err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to list tags"))
		return
	}
	sess.sendJSON(proto.AgentTags{Type: proto.TypeAgentTags, AgentID: agentID, Tags: tags})
}

func (s *Server) handleSelectWorkingAgent(ctx context.Context, sess *userSession, msg proto.SelectWorkingAgent) {
	if !authz.Allowed(sess.role, authz.OpSelectWorkingAgent) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	if _, found, err := s.repo.GetAgent(ctx, msg.AgentID); err != nil || !found {
		sess.sendJSON(proto.NewError(proto.ErrUnknownInstance, "no such agent"))
		return
	}
	sess.setWorkingAgent(msg.AgentID)
	sess.sendJSON(proto.WorkingAgentSelected{Type: proto.TypeWorkingAgentSelected, AgentID: msg.AgentID})
}

func (s *Server) handleClearWorkingAgent(sess *userSession) {
	if !authz.Allowed(sess.role, authz.OpClearWorkingAgent) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		return
	}
	sess.setWorkingAgent("")
	sess.sendJSON(proto.WorkingAgentCleared{Type: proto.TypeWorkingAgentCleared})
}

func (s *Server) handleForceDisconnectAgent(ctx context.Context, sess *userSession, msg proto.ForceDisconnectAgent) {
	if !authz.Allowed(sess.role, authz.OpForceDisconnectAgent) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, "force_disconnect_agent", false, "", msg.AgentID, "not authorized")
		return
	}
	if ac, ok := s.agents.get(msg.AgentID); ok {
		ac.sendJSON(proto.Shutdown{Type: proto.TypeShutdown, Reason: "disconnected by super admin"})
		ac.stop()
	}
	s.audit2(sess, "force_disconnect_agent", true, "", msg.AgentID, "")
	sess.sendJSON(proto.AgentDisconnected{Type: proto.TypeAgentDisconnected, AgentID: msg.AgentID})
}

func (s *Server) handleDeleteAgent(ctx context.Context, sess *userSession, msg proto.DeleteAgent) {
	if !authz.Allowed(sess.role, authz.OpDeleteAgent) {
		sess.sendJSON(proto.NewError(proto.ErrNotAuthorized, "not authorized"))
		s.audit2(sess, "delete_agent", false, "", msg.AgentID, "not authorized")
		return
	}
	if ac, ok := s.agents.get(msg.AgentID); ok {
		ac.sendJSON(proto.Shutdown{Type: proto.TypeShutdown, Reason: "agent deleted"})
		ac.stop()
	}
	for _, inst := range s.instances.listByAgent(msg.AgentID) {
		s.instances.remove(inst.ID)
		s.bus.RemoveInstance(inst.ID)
		s.sessions.broadcastToInstance(inst.ID, proto.InstanceClosedNotice{Type: proto.TypeInstanceClosedNotice, InstanceID: inst.ID})
		s.sessions.detachAll(inst.ID)
	}
	if err := s.repo.DeleteAgent(ctx, msg.AgentID); err != nil {
		sess.sendJSON(proto.NewError(proto.ErrInternal, "failed to delete agent"))
		s.audit2(sess, "delete_agent", false, "", msg.AgentID, "store error")
		return
	}
	s.audit2(sess, "delete_agent", true, "", msg.AgentID, "")
	sess.sendJSON(proto.AgentDeleted{Type: proto.TypeAgentDeleted, AgentID: msg.AgentID})
}

func newInstanceID() string {
	return uuid.New().String()
}
