package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/proto"
	"github.com/termtunnel/termtunnel/internal/store"
)

const (
	agentEgressQueueCap     = 256
	agentWriteTimeout       = 10 * time.Second
	authReadTimeout         = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// agentConn is one Live Agent Connection (§3): the canonical binding from
// an Agent Record to the socket currently serving it, plus the ids of the
// instances it owns. Adapted from the teacher's ConnectedWing shape in
// internal/relay/pty_relay.go, generalized with a bounded egress queue per
// §4.3's "egress task draining a bounded channel" requirement.
type agentConn struct {
	agentID string
	name    string
	conn    *websocket.Conn

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	instanceIDs map[string]struct{}
	lastSeen    time.Time
}

func newAgentConn(agentID, name string, conn *websocket.Conn) *agentConn {
	return &agentConn{
		agentID:     agentID,
		name:        name,
		conn:        conn,
		send:        make(chan []byte, agentEgressQueueCap),
		closed:      make(chan struct{}),
		instanceIDs: make(map[string]struct{}),
		lastSeen:    time.Now(),
	}
}

// touch records that a frame (of any type) was just read from this
// connection, resetting the dead-peer grace window.
func (a *agentConn) touch() {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()
}

func (a *agentConn) lastSeenAge() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastSeen)
}

// heartbeatWatchdog sends a heartbeat frame to the Agent every interval and
// evicts the connection if the Agent has gone silent for more than 2x
// interval (§5's dead-peer grace window). It stops when the connection is
// closed by any other path.
func (a *agentConn) heartbeatWatchdog(interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	grace := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			if a.lastSeenAge() > grace {
				a.stop()
				return
			}
			a.sendJSON(proto.Heartbeat{Type: proto.TypeHeartbeat})
		}
	}
}

func (a *agentConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case a.send <- data:
		return nil
	case <-a.closed:
		return fmt.Errorf("agent %s connection closed", a.agentID)
	}
}

func (a *agentConn) egressLoop() {
	for {
		select {
		case data := <-a.send:
			ctx, cancel := context.WithTimeout(context.Background(), agentWriteTimeout)
			err := a.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				a.stop()
				return
			}
		case <-a.closed:
			return
		}
	}
}

func (a *agentConn) stop() {
	a.once.Do(func() {
		close(a.closed)
		a.conn.CloseNow()
	})
}

func (a *agentConn) addInstance(id string) {
	a.mu.Lock()
	a.instanceIDs[id] = struct{}{}
	a.mu.Unlock()
}

func (a *agentConn) removeInstance(id string) {
	a.mu.Lock()
	delete(a.instanceIDs, id)
	a.mu.Unlock()
}

func (a *agentConn) ownedInstances() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.instanceIDs))
	for id := range a.instanceIDs {
		out = append(out, id)
	}
	return out
}

// agentRegistry tracks every online Agent's canonical connection.
type agentRegistry struct {
	mu    sync.Mutex
	conns map[string]*agentConn
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{conns: make(map[string]*agentConn)}
}

// install evicts any prior connection for agentID and installs ac as the
// new canonical binding, returning the evicted connection (if any) so the
// caller can shut it down outside the registry lock.
func (r *agentRegistry) install(agentID string, ac *agentConn) *agentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[agentID]
	r.conns[agentID] = ac
	return prev
}

func (r *agentRegistry) get(agentID string) (*agentConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.conns[agentID]
	return ac, ok
}

// remove deletes agentID's binding, but only if ac is still the canonical
// connection — guards against a stale disconnect handler racing a newer
// registration that already evicted and replaced it.
func (r *agentRegistry) remove(agentID string, ac *agentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[agentID]; ok && cur == ac {
		delete(r.conns, agentID)
		return true
	}
	return false
}

func (r *agentRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*agentConn, 0, len(r.conns))
	for _, ac := range r.conns {
		conns = append(conns, ac)
	}
	r.conns = make(map[string]*agentConn)
	r.mu.Unlock()

	for _, ac := range conns {
		ac.sendJSON(proto.Shutdown{Type: proto.TypeShutdown, Reason: "server shutting down"})
		ac.stop()
	}
}

// handleAgentWS upgrades and serves one Agent tunnel connection (§4.3).
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("agent websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(512 * 1024)

	authCtx, cancel := context.WithTimeout(r.Context(), authReadTimeout)
	_, data, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		return
	}

	var reg proto.Register
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != proto.TypeRegister || reg.Name == "" {
		s.writeRegisterError(r.Context(), conn, "invalid register frame")
		return
	}

	adminHash := authz.HashToken(s.secret, reg.AdminToken)
	shareHash := authz.HashToken(s.secret, reg.ShareToken)

	agent, err := s.repo.UpsertAgentByTokenHashes(r.Context(), reg.Name, adminHash, shareHash)
	if err != nil {
		s.log.Error("upsert agent failed", "error", err)
		s.writeRegisterError(r.Context(), conn, "internal error")
		return
	}

	ac := newAgentConn(agent.ID, agent.Name, conn)
	if prev := s.agents.install(agent.ID, ac); prev != nil {
		prev.sendJSON(proto.Shutdown{Type: proto.TypeShutdown, Reason: "superseded by new connection"})
		prev.stop()
	}
	go ac.egressLoop()
	go ac.heartbeatWatchdog(s.cfg.HeartbeatInterval)
	defer func() {
		if s.agents.remove(agent.ID, ac) {
			s.onAgentOffline(agent.ID, ac)
		}
		ac.stop()
	}()

	s.repo.UpdateLastSeen(r.Context(), agent.ID)
	s.resumeAgentInstances(r.Context(), agent.ID, ac)

	ac.sendJSON(proto.RegisterResult{Type: proto.TypeRegisterResult, Success: true, AgentID: agent.ID})
	s.broadcastAgentStatus(agent.ID, true)
	s.audit.Record(authz.Entry{EventKind: "agent_connected", AgentID: agent.ID, ClientIP: clientIP(r), Success: true})

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		ac.touch()
		s.dispatchAgentFrame(r.Context(), ac, data)
	}
}

func (s *Server) writeRegisterError(ctx context.Context, conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(proto.RegisterResult{Type: proto.TypeRegisterResult, Success: false, Error: msg})
	wctx, cancel := context.WithTimeout(ctx, agentWriteTimeout)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, data)
}

// resumeAgentInstances marks every durable Instance row for agentID running
// again (it survived only suspended while the Agent was offline) and seeds
// the in-memory registry so the Session Router can dispatch against them
// immediately.
func (s *Server) resumeAgentInstances(ctx context.Context, agentID string, ac *agentConn) {
	rows, err := s.repo.ListInstancesByAgent(ctx, agentID)
	if err != nil {
		s.log.Warn("list instances by agent failed", "agent_id", agentID, "error", err)
		return
	}
	for _, row := range rows {
		if row.Status == StatusClosed {
			continue
		}
		s.repo.MarkInstanceStatus(ctx, row.ID, StatusRunning)
		s.instances.add(&Instance{ID: row.ID, AgentID: agentID, CWD: row.CWD, Status: StatusRunning, CreatedAt: row.CreatedAt})
		ac.addInstance(row.ID)
	}
}

func (s *Server) onAgentOffline(agentID string, ac *agentConn) {
	ctx := context.Background()
	for _, id := range ac.ownedInstances() {
		s.instances.setStatus(id, StatusSuspended)
		s.repo.MarkInstanceStatus(ctx, id, StatusSuspended)
	}
	s.broadcastAgentStatus(agentID, false)
}

func (s *Server) broadcastAgentStatus(agentID string, online bool) {
	s.sessions.broadcastToAgent(agentID, proto.AgentStatusChanged{
		Type:    proto.TypeAgentStatusChanged,
		AgentID: agentID,
		Online:  online,
	})
}

func (s *Server) dispatchAgentFrame(ctx context.Context, ac *agentConn, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case proto.TypeInstanceOpened:
		var msg proto.InstanceOpened
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleInstanceOpened(ctx, ac, msg)

	case proto.TypeInstanceClosed:
		var msg proto.InstanceClosed
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleInstanceClosed(ctx, ac, msg)

	case proto.TypePTYOutput:
		var msg proto.PTYOutput
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handlePTYOutput(ctx, msg)

	case proto.TypeResizeAck, proto.TypeHeartbeatAck:
		// Informational only; no Server-side state to update.

	case proto.TypeError:
		var msg proto.Error
		json.Unmarshal(data, &msg)
		s.log.Warn("agent reported error", "agent_id", ac.agentID, "kind", msg.Kind, "message", msg.Message)

	default:
		s.log.Warn("unexpected frame from agent", "agent_id", ac.agentID, "type", env.Type)
	}
}

func (s *Server) handleInstanceOpened(ctx context.Context, ac *agentConn, msg proto.InstanceOpened) {
	if msg.InstanceID == "" {
		msg.InstanceID = uuid.New().String()
	}
	inst := &Instance{ID: msg.InstanceID, AgentID: ac.agentID, CWD: msg.CWD, Status: StatusRunning, CreatedAt: time.Now().UTC()}
	s.instances.add(inst)
	ac.addInstance(inst.ID)

	s.repo.RecordInstance(ctx, store.InstanceRecord{ID: inst.ID, AgentID: inst.AgentID, CWD: inst.CWD, Status: StatusRunning, CreatedAt: inst.CreatedAt})

	s.sessions.broadcastToAgent(ac.agentID, proto.InstanceCreated{
		Type: proto.TypeInstanceCreated,
		Instance: proto.InstanceSummary{
			ID: inst.ID, AgentID: inst.AgentID, CWD: inst.CWD, Status: inst.Status, CreatedAt: inst.CreatedAt.Format(time.RFC3339),
		},
	})
}

func (s *Server) handleInstanceClosed(ctx context.Context, ac *agentConn, msg proto.InstanceClosed) {
	s.instances.setStatus(msg.InstanceID, StatusClosed)
	s.instances.remove(msg.InstanceID)
	ac.removeInstance(msg.InstanceID)
	s.repo.MarkInstanceStatus(ctx, msg.InstanceID, StatusClosed)

	s.sessions.broadcastToInstance(msg.InstanceID, proto.InstanceClosedNotice{Type: proto.TypeInstanceClosedNotice, InstanceID: msg.InstanceID})
	s.bus.RemoveInstance(msg.InstanceID)
	s.sessions.detachAll(msg.InstanceID)
}

// handlePTYOutput persists a chunk and publishes it to live subscribers
// under the instance's bus lock, so it can never land in the gap between a
// concurrent handleAttach's history load and its bus join (see
// fanout.Bus.LockInstance).
func (s *Server) handlePTYOutput(ctx context.Context, msg proto.PTYOutput) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return
	}

	unlock := s.bus.LockInstance(msg.InstanceID)
	defer unlock()

	seq := s.instances.nextSequence(msg.InstanceID)
	s.repo.AppendHistoryChunk(ctx, store.HistoryChunk{
		InstanceID:     msg.InstanceID,
		SequenceNumber: seq,
		OutputData:     data,
		ByteSize:       len(data),
		CreatedAt:      time.Now().UTC(),
	})
	s.repo.TrimHistoryToCap(ctx, msg.InstanceID, s.cfg.BufferCapBytes)
	s.instances.addBytes(msg.InstanceID, len(data))

	s.bus.PublishLocked(msg.InstanceID, data)
}
