package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/fanout"
	"github.com/termtunnel/termtunnel/internal/proto"
)

const (
	userEgressQueueCap = 256
	userWriteTimeout    = 10 * time.Second
)

// userSession is one authenticated User connection. Role/AgentID are fixed
// at auth time; workingAgentID is SuperAdmin's session-scoped create/close
// target (§4.4). attached tracks this session's live fan-out subscriptions,
// one per Instance it is currently viewing.
type userSession struct {
	id       string
	role     authz.Role
	agentID  string // bound Agent Record for Admin/Share; empty for SuperAdmin
	clientIP string
	conn     *websocket.Conn

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu             sync.Mutex
	workingAgentID string
	attached       map[string]fanout.Subscription
	lastSeen       time.Time
}

func newUserSession(role authz.Role, agentID, clientIP string, conn *websocket.Conn) *userSession {
	return &userSession{
		id:       uuid.New().String(),
		role:     role,
		agentID:  agentID,
		clientIP: clientIP,
		conn:     conn,
		send:     make(chan []byte, userEgressQueueCap),
		closed:   make(chan struct{}),
		attached: make(map[string]fanout.Subscription),
		lastSeen: time.Now(),
	}
}

// touch records that a frame (of any type) was just read from this
// session, resetting the dead-peer grace window.
func (u *userSession) touch() {
	u.mu.Lock()
	u.lastSeen = time.Now()
	u.mu.Unlock()
}

func (u *userSession) lastSeenAge() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Since(u.lastSeen)
}

// heartbeatWatchdog closes the session if the User stops sending frames
// (heartbeat or otherwise) for more than 2x interval (§5's dead-peer grace
// window). The User, not the Server, is the heartbeat initiator on this
// leg (§4.1), so the watchdog only observes — it never sends its own
// heartbeat frame.
func (u *userSession) heartbeatWatchdog(interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	grace := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.closed:
			return
		case <-ticker.C:
			if u.lastSeenAge() > grace {
				u.stop()
				return
			}
		}
	}
}

func (u *userSession) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case u.send <- data:
	case <-u.closed:
	}
}

func (u *userSession) egressLoop() {
	for {
		select {
		case data := <-u.send:
			ctx, cancel := context.WithTimeout(context.Background(), userWriteTimeout)
			err := u.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				u.stop()
				return
			}
		case <-u.closed:
			return
		}
	}
}

func (u *userSession) stop() {
	u.once.Do(func() {
		close(u.closed)
		u.conn.CloseNow()
	})
	u.detachAll()
}

func (u *userSession) setWorkingAgent(agentID string) {
	u.mu.Lock()
	u.workingAgentID = agentID
	u.mu.Unlock()
}

// targetAgentID resolves which Agent create-instance/close-instance should
// act on: the session's own bound agent for Admin, or SuperAdmin's
// session-scoped working-agent selection (empty if unset, which the caller
// must refuse per §4.4).
func (u *userSession) targetAgentID() string {
	if u.role != authz.RoleSuperAdmin {
		return u.agentID
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.workingAgentID
}

func (u *userSession) attach(instanceID string, sub fanout.Subscription) {
	u.mu.Lock()
	u.attached[instanceID] = sub
	u.mu.Unlock()
}

func (u *userSession) detach(instanceID string) {
	u.mu.Lock()
	sub, ok := u.attached[instanceID]
	if ok {
		delete(u.attached, instanceID)
	}
	u.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (u *userSession) isAttached(instanceID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.attached[instanceID]
	return ok
}

func (u *userSession) detachAll() {
	u.mu.Lock()
	subs := u.attached
	u.attached = make(map[string]fanout.Subscription)
	u.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// sessionRegistry tracks every live User session, keyed by session id.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*userSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*userSession)}
}

func (r *sessionRegistry) add(s *userSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *sessionRegistry) remove(s *userSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}

// broadcastToAgent notifies every session bound to agentID plus every
// SuperAdmin session, which has global visibility (§4.4).
func (r *sessionRegistry) broadcastToAgent(agentID string, v any) {
	r.mu.Lock()
	targets := make([]*userSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.agentID == agentID || s.role == authz.RoleSuperAdmin {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	for _, s := range targets {
		s.sendJSON(v)
	}
}

// broadcastToInstance notifies every session currently attached to
// instanceID.
func (r *sessionRegistry) broadcastToInstance(instanceID string, v any) {
	r.mu.Lock()
	targets := make([]*userSession, 0)
	for _, s := range r.sessions {
		if s.isAttached(instanceID) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	for _, s := range targets {
		s.sendJSON(v)
	}
}

// detachAll unsubscribes every session from instanceID's fan-out, called
// once the Instance itself is closed and its bus torn down.
func (r *sessionRegistry) detachAll(instanceID string) {
	r.mu.Lock()
	targets := make([]*userSession, 0)
	for _, s := range r.sessions {
		if s.isAttached(instanceID) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	for _, s := range targets {
		s.detach(instanceID)
	}
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*userSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*userSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.sendJSON(proto.NewError(proto.ErrInternal, "server shutting down"))
		s.stop()
	}
}

// sessionCount reports the number of live User sessions, for admin-stats.
func (r *sessionRegistry) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// attachedCount reports how many sessions (across the whole registry) are
// currently attached to instanceID, for user-joined/user-left broadcasts.
func (r *sessionRegistry) attachedCount(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.isAttached(instanceID) {
			n++
		}
	}
	return n
}
