package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/proto"
	"github.com/termtunnel/termtunnel/internal/ratelimit"
	"github.com/termtunnel/termtunnel/internal/store"
	"github.com/termtunnel/termtunnel/internal/webui"
)

const (
	testSuperAdminToken = "super-admin-token-is-long-enough"
	testAdminToken      = "admin-token-is-long-enough-too!"
	testShareToken      = "share-token-is-long-enough-too!"
)

// testServer wires a real Server against a throwaway SQLite file and
// exposes it over httptest, matching internal/agent's fakeServer style:
// a real transport, no mocked WebSocket layer.
type testServer struct {
	t       *testing.T
	srv     *Server
	httpSrv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	repo, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	secret, err := store.LoadOrGenerateRelaySecret(ctx, repo)
	require.NoError(t, err)

	ui, err := webui.Handler()
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := authz.NewSink(repo, log)
	t.Cleanup(audit.Stop)

	srv := New(repo, secret, ratelimit.Disabled{}, audit, log, Config{
		SuperAdminToken:  testSuperAdminToken,
		TokenMinLength:   8,
		BufferCapBytes:   1 << 20,
		HistoryRetention: 24 * time.Hour,
		AuditRetention:   24 * time.Hour,
	}, ui)

	ts := &testServer{t: t, srv: srv}
	ts.httpSrv = httptest.NewServer(srv)
	t.Cleanup(ts.httpSrv.Close)
	return ts
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http") + path
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// readUntil reads frames until one matches wantType or the deadline passes,
// skipping anything else (e.g. an agent-status-changed broadcast arriving
// interleaved with the frame under test).
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readJSON(t, ctx, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("never saw a %q frame", wantType)
	return nil
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func registerAgent(t *testing.T, ctx context.Context, conn *websocket.Conn, name string) string {
	t.Helper()
	writeJSON(t, ctx, conn, proto.Register{Type: proto.TypeRegister, Name: name, AdminToken: testAdminToken, ShareToken: testShareToken})
	result := readUntil(t, ctx, conn, proto.TypeRegisterResult)
	require.Equal(t, true, result["success"])
	agentID, _ := result["agent_id"].(string)
	require.NotEmpty(t, agentID)
	return agentID
}

func authUser(t *testing.T, ctx context.Context, conn *websocket.Conn, token string) map[string]any {
	t.Helper()
	writeJSON(t, ctx, conn, proto.Auth{Type: proto.TypeAuth, Token: token})
	return readUntil(t, ctx, conn, proto.TypeAuthResult)
}

func TestAgentRegisterThenAdminAuth(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts.wsURL("/ws/agent"))
	defer agentConn.CloseNow()
	agentID := registerAgent(t, ctx, agentConn, "w1")

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	result := authUser(t, ctx, userConn, testAdminToken)
	require.Equal(t, true, result["success"])
	require.Equal(t, "admin", result["role"])
	require.Equal(t, "w1", result["agent_name"])
	require.Equal(t, agentID, result["agent_id"])
}

func TestSuperAdminAuth(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	result := authUser(t, ctx, userConn, testSuperAdminToken)
	require.Equal(t, true, result["success"])
	require.Equal(t, "super_admin", result["role"])
}

func TestUserAuthFailureRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	writeJSON(t, ctx, userConn, proto.Auth{Type: proto.TypeAuth, Token: "not-a-real-token-at-all"})
	frame := readJSON(t, ctx, userConn)
	require.Equal(t, proto.TypeError, frame["type"])
	require.Equal(t, proto.ErrAuthFailed, frame["kind"])
}

// TestCreateAttachPTYOutputRoundTrip drives the full happy path across both
// connections: an Admin creates an instance, the Agent acks it, the Admin
// attaches and receives pty-output the Agent published.
func TestCreateAttachPTYOutputRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts.wsURL("/ws/agent"))
	defer agentConn.CloseNow()
	registerAgent(t, ctx, agentConn, "w1")

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	authUser(t, ctx, userConn, testAdminToken)

	writeJSON(t, ctx, userConn, proto.CreateInstanceRequest{Type: proto.TypeCreateInstanceRequest, CWD: "/tmp"})

	createFrame := readUntil(t, ctx, agentConn, proto.TypeCreateInstance)
	instanceID, _ := createFrame["instance_id"].(string)
	require.NotEmpty(t, instanceID)

	writeJSON(t, ctx, agentConn, proto.InstanceOpened{Type: proto.TypeInstanceOpened, InstanceID: instanceID, CWD: "/tmp"})
	readUntil(t, ctx, userConn, proto.TypeInstanceCreated)

	payload := base64.StdEncoding.EncodeToString([]byte("hello from the pty\n"))
	writeJSON(t, ctx, agentConn, proto.PTYOutput{Type: proto.TypePTYOutput, InstanceID: instanceID, Data: payload})

	writeJSON(t, ctx, userConn, proto.Attach{Type: proto.TypeAttach, InstanceID: instanceID})

	output := readUntil(t, ctx, userConn, proto.TypePTYOutput)
	data, _ := output["data"].(string)
	decoded, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	require.Equal(t, "hello from the pty\n", string(decoded))
}

// TestShareRoleCannotCreateInstance exercises the §4.4 authorization
// matrix: a Share-token session may attach and send input but not create.
func TestShareRoleCannotCreateInstance(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts.wsURL("/ws/agent"))
	defer agentConn.CloseNow()
	registerAgent(t, ctx, agentConn, "w1")

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	result := authUser(t, ctx, userConn, testShareToken)
	require.Equal(t, "share", result["role"])

	writeJSON(t, ctx, userConn, proto.CreateInstanceRequest{Type: proto.TypeCreateInstanceRequest, CWD: "/tmp"})
	frame := readUntil(t, ctx, userConn, proto.TypeError)
	require.Equal(t, proto.ErrNotAuthorized, frame["kind"])
}

// TestAgentDisconnectSuspendsInstances covers §4.3: losing the Agent
// connection marks its instances suspended and broadcasts the status
// change to bound User sessions.
func TestAgentDisconnectSuspendsInstances(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts.wsURL("/ws/agent"))
	registerAgent(t, ctx, agentConn, "w1")

	userConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer userConn.CloseNow()
	authUser(t, ctx, userConn, testAdminToken)

	writeJSON(t, ctx, userConn, proto.CreateInstanceRequest{Type: proto.TypeCreateInstanceRequest, CWD: "/tmp"})
	createFrame := readUntil(t, ctx, agentConn, proto.TypeCreateInstance)
	instanceID, _ := createFrame["instance_id"].(string)
	writeJSON(t, ctx, agentConn, proto.InstanceOpened{Type: proto.TypeInstanceOpened, InstanceID: instanceID, CWD: "/tmp"})
	readUntil(t, ctx, userConn, proto.TypeInstanceCreated)

	agentConn.CloseNow()

	frame := readUntil(t, ctx, userConn, proto.TypeAgentStatusChanged)
	require.Equal(t, false, frame["online"])

	inst, ok := ts.srv.instances.get(instanceID)
	require.True(t, ok)
	require.Equal(t, StatusSuspended, inst.Status)
}

// TestAuditTotality covers the narrowed §8 audit-totality property: a
// rejected state-changing command (create-instance with no working agent
// selected) always produces an Audit Entry, while a rejected read-only
// query (list-agent-instances by a non-SuperAdmin) never does.
func TestAuditTotality(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts.wsURL("/ws/agent"))
	defer agentConn.CloseNow()
	registerAgent(t, ctx, agentConn, "w1")

	superConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer superConn.CloseNow()
	authUser(t, ctx, superConn, testSuperAdminToken)

	writeJSON(t, ctx, superConn, proto.CreateInstanceRequest{Type: proto.TypeCreateInstanceRequest, CWD: "/tmp"})
	frame := readUntil(t, ctx, superConn, proto.TypeError)
	require.Equal(t, proto.ErrNotAuthorized, frame["kind"])
	require.Equal(t, "no working agent selected", frame["message"])

	shareConn := dial(t, ctx, ts.wsURL("/ws/user"))
	defer shareConn.CloseNow()
	authUser(t, ctx, shareConn, testShareToken)

	writeJSON(t, ctx, shareConn, proto.ListAgentInstances{Type: proto.TypeListAgentInstances, AgentID: "whatever"})
	frame = readUntil(t, ctx, shareConn, proto.TypeError)
	require.Equal(t, proto.ErrNotAuthorized, frame["kind"])

	require.Eventually(t, func() bool {
		_, total, err := ts.srv.repo.QueryAudit(ctx, store.AuditQuery{Limit: 500, Kind: "create_instance"})
		require.NoError(t, err)
		return total == 1
	}, 2*time.Second, 10*time.Millisecond, "expected exactly one create_instance audit entry")

	found, _, err := ts.srv.repo.QueryAudit(ctx, store.AuditQuery{Limit: 500, Kind: "list_agent_instances"})
	require.NoError(t, err)
	require.Empty(t, found, "read-only rejection must not audit")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
