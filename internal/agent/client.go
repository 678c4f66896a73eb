// Package agent implements the Agent Runtime (§4.2): a dial-loop client
// that registers with the Server, spawns one PTY per Instance the Server
// asks it to create, and streams PTY output back as pty-output frames.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termtunnel/termtunnel/internal/proto"
)

const (
	heartbeatWriteTimeout = 10 * time.Second

	// maxReconnectMultiple caps the reconnect backoff at a multiple of
	// ReconnectInterval rather than a fixed ceiling, so a configured
	// interval of e.g. 1s and one of 10s back off on proportionally
	// different schedules (§5).
	maxReconnectMultiple = 8
)

// Client is the outbound WebSocket client connecting one Agent to the
// Server's /ws/agent endpoint. Its dial-loop and reconnect backoff are
// adapted from the teacher's internal/ws/client.go Client.Run.
type Client struct {
	URL                string
	Name               string
	AdminToken         string
	ShareToken         string
	ReconnectInterval  time.Duration
	HeartbeatInterval  time.Duration

	Log *slog.Logger

	reg  *registry
	mu   sync.Mutex
	conn *websocket.Conn

	hbMu          sync.Mutex
	lastHeartbeat time.Time
}

// NewClient builds a Client ready for Run.
func NewClient(url, name, adminToken, shareToken string, reconnectInterval, heartbeatInterval time.Duration, log *slog.Logger) *Client {
	return &Client{
		URL:               url,
		Name:              name,
		AdminToken:        adminToken,
		ShareToken:        shareToken,
		ReconnectInterval: reconnectInterval,
		HeartbeatInterval: heartbeatInterval,
		Log:               log,
		reg:               newRegistry(),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff (starting at ReconnectInterval, doubling each
// attempt, capped at maxReconnectMultiple*ReconnectInterval, with jitter
// added to each wait) on any disconnect. Reconnect preserves no PTY state:
// every Instance's process is terminated when its socket is lost (§4.2).
func (c *Client) Run(ctx context.Context) error {
	base := c.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	maxDelay := maxReconnectMultiple * base
	delay := base

	for {
		err := c.connectAndServe(ctx)
		c.reg.closeAll()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := withJitter(delay)
		c.Log.Warn("disconnected from server, reconnecting", "error", err, "delay", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// withJitter adds up to 25% of delay at random, so many agents reconnecting
// after a shared server outage don't all retry in lockstep.
func withJitter(delay time.Duration) time.Duration {
	maxJitter := int64(delay / 4)
	if maxJitter <= 0 {
		return delay
	}
	jitter := time.Duration(time.Now().UTC().UnixNano() % maxJitter)
	return delay + jitter
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxPTYRead * 2)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.markHeartbeat()

	if err := c.writeJSON(ctx, proto.Register{
		Type:       proto.TypeRegister,
		Name:       c.Name,
		AdminToken: c.AdminToken,
		ShareToken: c.ShareToken,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatWatchdog(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Log.Warn("malformed frame from server", "error", err)
		return
	}

	switch env.Type {
	case proto.TypeRegisterResult:
		var msg proto.RegisterResult
		json.Unmarshal(data, &msg)
		if !msg.Success {
			c.Log.Error("registration rejected", "error", msg.Error)
			return
		}
		c.Log.Info("registered with server", "agent_id", msg.AgentID)

	case proto.TypeCreateInstance:
		var msg proto.CreateInstance
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handleCreateInstance(ctx, msg)

	case proto.TypeCloseInstance:
		var msg proto.CloseInstance
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handleCloseInstance(msg)

	case proto.TypePTYInput:
		var msg proto.PTYInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handlePTYInput(msg)

	case proto.TypeResize:
		var msg proto.Resize
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handleResize(ctx, msg)

	case proto.TypeHeartbeat:
		c.markHeartbeat()
		c.writeJSON(ctx, proto.HeartbeatAck{Type: proto.TypeHeartbeatAck})

	case proto.TypeShutdown:
		var msg proto.Shutdown
		json.Unmarshal(data, &msg)
		c.Log.Warn("server requested shutdown", "reason", msg.Reason)

	case proto.TypeError:
		var msg proto.Error
		json.Unmarshal(data, &msg)
		c.Log.Warn("server error frame", "kind", msg.Kind, "message", msg.Message)

	default:
		c.Log.Warn("unknown frame type from server", "type", env.Type)
	}
}

func (c *Client) handleCreateInstance(ctx context.Context, msg proto.CreateInstance) {
	h, err := Spawn(msg.InstanceID, msg.CWD, 80, 24)
	if err != nil {
		c.Log.Error("spawn pty failed", "instance_id", msg.InstanceID, "error", err)
		return
	}
	h.OnOutput = func(data []byte) {
		c.writeJSON(ctx, proto.PTYOutput{
			Type:       proto.TypePTYOutput,
			InstanceID: msg.InstanceID,
			Data:       base64.StdEncoding.EncodeToString(data),
		})
	}
	h.OnExit = func(exitErr error) {
		c.reg.remove(msg.InstanceID)
		c.writeJSON(ctx, proto.InstanceClosed{Type: proto.TypeInstanceClosed, InstanceID: msg.InstanceID})
	}
	c.reg.add(h)

	c.writeJSON(ctx, proto.InstanceOpened{Type: proto.TypeInstanceOpened, InstanceID: msg.InstanceID, CWD: msg.CWD})
}

func (c *Client) handleCloseInstance(msg proto.CloseInstance) {
	h, ok := c.reg.remove(msg.InstanceID)
	if !ok {
		return
	}
	h.Close()
	c.writeJSON(context.Background(), proto.InstanceClosed{Type: proto.TypeInstanceClosed, InstanceID: msg.InstanceID})
}

func (c *Client) handlePTYInput(msg proto.PTYInput) {
	h, ok := c.reg.get(msg.InstanceID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.Log.Warn("malformed pty-input payload", "instance_id", msg.InstanceID, "error", err)
		return
	}
	h.Write(data)
}

func (c *Client) handleResize(ctx context.Context, msg proto.Resize) {
	h, ok := c.reg.get(msg.InstanceID)
	if !ok {
		return
	}
	if err := h.Resize(uint16(msg.Cols), uint16(msg.Rows)); err != nil {
		c.Log.Warn("resize failed", "instance_id", msg.InstanceID, "error", err)
		return
	}
	c.writeJSON(ctx, proto.ResizeAck{Type: proto.TypeResizeAck, InstanceID: msg.InstanceID})
}

// heartbeatWatchdog observes, it doesn't initiate: the Server sends
// Heartbeat frames on this leg and dispatch replies with HeartbeatAck
// (§4.1). This loop only tracks how long it's been since the last one
// arrived and forces the connection closed once that exceeds the §5 grace
// window (2x HeartbeatInterval), so connectAndServe's read loop errors out
// and Run reconnects.
func (c *Client) heartbeatWatchdog(ctx context.Context) {
	interval := c.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	grace := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.heartbeatAge() > grace {
				c.Log.Warn("no heartbeat from server, forcing reconnect", "age", c.heartbeatAge())
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.CloseNow()
				}
				return
			}
		}
	}
}

func (c *Client) markHeartbeat() {
	c.hbMu.Lock()
	c.lastHeartbeat = time.Now()
	c.hbMu.Unlock()
}

func (c *Client) heartbeatAge() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return time.Since(c.lastHeartbeat)
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, heartbeatWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
