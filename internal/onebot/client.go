// Package onebot implements the persistent bidirectional socket client to
// a OneBot v11 messaging endpoint (spec §4.1), grounded on the teacher's
// zalo personal-chat protocol client (internal/channels/zalo/personal/protocol):
// coder/websocket transport, echo-matched request/response, and a
// heartbeat loop that detects a silent disconnect from the time since the
// last received frame and closes the socket to force a reconnect.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openclaw/qq-gateway/pkg/qqwire"
)

// ErrTransportUnavailable is returned when a send is attempted while
// disconnected and reconnect doesn't complete within the grace window
// (spec §4.1, error code transport_unavailable).
var ErrTransportUnavailable = errors.New("onebot: transport_unavailable")

const (
	actionTimeout      = 5 * time.Second
	heartbeatSoft      = 90 * time.Second
	heartbeatHard      = 150 * time.Second
	reconnectMaxBackoff = 60 * time.Second
)

// EventHandler is called for every inbound event frame.
type EventHandler func(qqwire.Event)

// Client is a persistent OneBot v11 socket client.
type Client struct {
	wsURL       string
	accessToken string
	onEvent     EventHandler

	mu          sync.RWMutex
	conn        *websocket.Conn
	connected   bool
	selfID      int64
	lastRecvAt  time.Time
	reconnectN  int

	pending   sync.Map // echo -> chan qqwire.ActionResponse
	connectedCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. Start must be called to begin connecting.
func New(wsURL, accessToken string, onEvent EventHandler) *Client {
	return &Client{
		wsURL:       wsURL,
		accessToken: accessToken,
		onEvent:     onEvent,
		connectedCh: make(chan struct{}),
	}
}

// Start begins the connect-and-reconnect loop. Non-blocking.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.reconnectLoop(ctx)
}

// Stop tears down the connection and stops reconnecting.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// IsConnected reports whether the socket is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SelfID returns the bot's own user id, learned from get_login_info on connect.
func (c *Client) SelfID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// WaitUntilConnected blocks until connected or timeout elapses.
func (c *Client) WaitUntilConnected(timeout time.Duration) bool {
	if c.IsConnected() {
		return true
	}
	c.mu.RLock()
	ch := c.connectedCh
	c.mu.RUnlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return c.IsConnected()
	}
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRun(ctx); err != nil {
			slog.Warn("onebot: connection ended", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.connected = false
		n := c.reconnectN
		c.reconnectN++
		c.mu.Unlock()

		backoff := time.Duration(1<<uint(min(n, 6))) * time.Second
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
		slog.Info("onebot: reconnecting", "attempt", n+1, "backoff", backoff+jitter)
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) connectAndRun(ctx context.Context) error {
	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}
	conn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("onebot: dial: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastRecvAt = time.Now()
	c.reconnectN = 0
	close(c.connectedCh)
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	slog.Info("onebot: connected", "url", c.wsURL)

	if resp, err := c.SendAction(ctx, qqwire.ActionGetLoginInfo, nil); err == nil {
		var info struct {
			UserID int64 `json:"user_id"`
		}
		if json.Unmarshal(resp.Data, &info) == nil {
			c.mu.Lock()
			c.selfID = info.UserID
			c.mu.Unlock()
		}
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
	defer heartbeatCancel()
	go c.heartbeatLoop(heartbeatCtx, conn)

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("onebot: read: %w", err)
		}
		c.mu.Lock()
		c.lastRecvAt = time.Now()
		c.mu.Unlock()
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	// Non-JSON frames are silently dropped (spec §4.1).
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	if echoRaw, ok := raw["echo"]; ok {
		var echo string
		if json.Unmarshal(echoRaw, &echo) == nil && echo != "" {
			if ch, ok := c.pending.LoadAndDelete(echo); ok {
				var resp qqwire.ActionResponse
				if json.Unmarshal(data, &resp) == nil {
					ch.(chan qqwire.ActionResponse) <- resp
				}
				return
			}
		}
	}

	var ev qqwire.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.PostType == "" {
		return
	}
	// Self-echo is not filtered here: events whose user_id matches our own
	// identity are passed to onEvent unchanged, like any other event.
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			since := time.Since(c.lastRecvAt)
			c.mu.RUnlock()
			if since >= heartbeatHard {
				slog.Warn("onebot: heartbeat hard timeout, forcing reconnect", "silence", since)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if since >= heartbeatSoft {
				slog.Debug("onebot: heartbeat soft timeout, probing", "silence", since)
				probeCtx, cancel := context.WithTimeout(ctx, actionTimeout)
				_, _ = c.SendAction(probeCtx, qqwire.ActionGetLoginInfo, nil)
				cancel()
			}
		}
	}
}

// SendAction sends an action request and waits up to 5s for the
// echo-matched response (spec §4.1).
func (c *Client) SendAction(ctx context.Context, action string, params interface{}) (*qqwire.ActionResponse, error) {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		if !c.WaitUntilConnected(actionTimeout) {
			return nil, ErrTransportUnavailable
		}
		c.mu.RLock()
		conn = c.conn
		c.mu.RUnlock()
	}

	echo := uuid.NewString()
	req := qqwire.ActionRequest{Action: action, Params: params, Echo: echo}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("onebot: marshal action: %w", err)
	}

	ch := make(chan qqwire.ActionResponse, 1)
	c.pending.Store(echo, ch)
	defer c.pending.Delete(echo)

	writeCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("onebot: write action: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Status == qqwire.StatusFailed {
			return &resp, fmt.Errorf("onebot: action %s failed: %s", action, resp.Msg)
		}
		return &resp, nil
	case <-time.After(actionTimeout):
		return nil, fmt.Errorf("onebot: action %s timed out after %s", action, actionTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetMsg refetches a message by id and decodes its segments, for the
// inbound-media fallback path (spec §4.3 "refetch the whole message").
func (c *Client) GetMsg(ctx context.Context, msgID int64) ([]qqwire.Segment, error) {
	resp, err := c.SendAction(ctx, qqwire.ActionGetMsg, map[string]int64{"message_id": msgID})
	if err != nil {
		return nil, err
	}
	var body struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return nil, fmt.Errorf("onebot: decode get_msg: %w", err)
	}
	ev := qqwire.Event{Message: body.Message}
	return ev.Segments()
}
