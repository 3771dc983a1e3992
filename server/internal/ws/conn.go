package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanhall-io/lanhall/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// wsConn wraps a gorilla connection with a write mutex so the registries,
// the keepalive pinger, and the read-loop handler can all write without
// interleaving frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// closePolicyViolation sends a 1008 close frame with reason and closes the
// connection. Used when a socket authenticates with the wrong kind of token.
func (c *wsConn) closePolicyViolation(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.mu.Unlock()
	_ = c.conn.Close()
}
