package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/termtunnel/termtunnel/internal/proto"
)

// fakeServer accepts an Agent connection and hands it to the test, which
// reads the Agent's frames and drives frames back over it.
type fakeServer struct {
	t       *testing.T
	connCh  chan *websocket.Conn
	httpSrv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, connCh: make(chan *websocket.Conn, 1)}
	fs.httpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		fs.connCh <- conn
		<-r.Context().Done()
	}))
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.httpSrv.URL, "http") + "/ws/agent"
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	select {
	case conn := <-fs.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestClientSendsRegisterOnConnect(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.httpSrv.Close()

	c := NewClient(fs.url(), "agent-1", "admintok", "sharetok", 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := fs.accept(t)
	defer serverConn.CloseNow()

	frame := readFrame(t, ctx, serverConn)
	require.Equal(t, proto.TypeRegister, frame["type"])
	require.Equal(t, "agent-1", frame["name"])
	require.Equal(t, "admintok", frame["admin_token"])
}

func TestClientCreateInstanceSpawnsPTYAndAcksOpen(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.httpSrv.Close()

	c := NewClient(fs.url(), "agent-1", "admintok", "sharetok", 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := fs.accept(t)
	defer serverConn.CloseNow()
	readFrame(t, ctx, serverConn) // register

	writeFrame(t, ctx, serverConn, proto.CreateInstance{
		Type:       proto.TypeCreateInstance,
		InstanceID: "inst-1",
		CWD:        "",
	})

	var opened map[string]any
	for i := 0; i < 5; i++ {
		frame := readFrame(t, ctx, serverConn)
		if frame["type"] == proto.TypeInstanceOpened {
			opened = frame
			break
		}
	}
	require.NotNil(t, opened, "expected an instance-opened frame")
	require.Equal(t, "inst-1", opened["instance_id"])

	_, ok := c.reg.get("inst-1")
	require.True(t, ok)

	writeFrame(t, ctx, serverConn, proto.CloseInstance{Type: proto.TypeCloseInstance, InstanceID: "inst-1"})

	require.Eventually(t, func() bool {
		_, ok := c.reg.get("inst-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientHeartbeatRepliesWithAck(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.httpSrv.Close()

	c := NewClient(fs.url(), "agent-1", "admintok", "sharetok", 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	serverConn := fs.accept(t)
	defer serverConn.CloseNow()
	readFrame(t, ctx, serverConn) // register

	writeFrame(t, ctx, serverConn, proto.Heartbeat{Type: proto.TypeHeartbeat})

	frame := readFrame(t, ctx, serverConn)
	require.Equal(t, proto.TypeHeartbeatAck, frame["type"])
}
