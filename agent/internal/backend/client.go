// Package backend manages the agent's outbound WebSocket connection to the
// lanhall server. The connection is the agent's only control channel: session
// commands arrive on it, heartbeats and status reports leave on it, and every
// (re)connect is followed by a sync_request so the server's persisted state
// wins over whatever the agent believed while offline.
package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanhall-io/lanhall/agent/internal/config"
	"github.com/lanhall-io/lanhall/pkg/protocol"
)

// MessageHandler processes messages received from the server.
type MessageHandler func(env protocol.Envelope) error

// Client manages the WebSocket connection from agent to server.
type Client struct {
	cfg     *config.Config
	version string
	handler MessageHandler
	logger  *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	heartbeatIntv time.Duration
	heartbeatSet  chan struct{} // signals the heartbeat loop to re-read the interval
}

// NewClient creates a backend client. The handler is invoked for every
// message the client does not consume internally.
func NewClient(cfg *config.Config, agentVersion string, handler MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		cfg:           cfg,
		version:       agentVersion,
		handler:       handler,
		logger:        logger.With("component", "backend-client"),
		heartbeatIntv: cfg.Timer.HeartbeatInterval.Duration,
		heartbeatSet:  make(chan struct{}, 1),
	}
}

// Run maintains the connection to the server, reconnecting with exponential
// backoff until the context is canceled. Each successful connection resets
// the backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.Server.ReconnectInterval.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		if err := c.connectOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > delay {
			delay = c.cfg.Server.ReconnectInterval.Duration
		}

		c.logger.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if max := c.cfg.Server.MaxReconnectDelay.Duration; delay > max {
			delay = max
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.Server.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.AgentWSURL(), nil)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	hello := protocol.AgentHello{
		AgentVersion: c.version,
		Specs:        hostSpecs(),
	}
	if err := c.Send(protocol.TypeAgentHello, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	// The server's answer carries the authoritative session state; the agent
	// never trusts its own idea of an active session across a reconnect.
	if err := c.Send(protocol.TypeSyncRequest, protocol.SyncRequest{}); err != nil {
		return fmt.Errorf("send sync request: %w", err)
	}

	c.logger.Info("connected to server", "url", c.cfg.Server.URL, "station_id", c.cfg.Station.ID)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid message from server", "error", err)
			continue
		}

		// Adopt the server's heartbeat cadence before handing the hello on.
		if env.Type == protocol.TypeServerHello {
			data, _ := json.Marshal(env.Data)
			var sh protocol.ServerHello
			if err := json.Unmarshal(data, &sh); err == nil && sh.HeartbeatInterval > 0 {
				c.setHeartbeatInterval(time.Duration(sh.HeartbeatInterval) * time.Second)
			}
		}

		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.heartbeatSet:
			ticker.Reset(c.heartbeatInterval())
		case <-ticker.C:
			if err := c.Send(protocol.TypeHeartbeat, protocol.Heartbeat{}); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatIntv <= 0 {
		return 30 * time.Second
	}
	return c.heartbeatIntv
}

func (c *Client) setHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	changed := d != c.heartbeatIntv
	c.heartbeatIntv = d
	c.mu.Unlock()
	if changed {
		select {
		case c.heartbeatSet <- struct{}{}:
		default:
		}
	}
}

// Send sends a protocol envelope to the server.
func (c *Client) Send(msgType string, data any) error {
	env := protocol.Envelope{
		Type:      msgType,
		StationID: c.cfg.Station.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
