package internal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatrelay/internal/presence"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMsgSize        = 8192
	defaultSendBuffer = 256
)

// Client wraps one websocket connection and its buffered outbound queue. It is
// the presence.Conn handed to the registry.
type Client struct {
	id        string
	// userID and tokenID come from the bearer token used for the upgrade and
	// are empty for anonymous connections.
	userID    string
	tokenID   string
	conn      *websocket.Conn
	send      chan presence.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newClient(conn *websocket.Conn, buffer int, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan presence.Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn_id", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send never blocks. A full queue means the peer stopped reading, so the
// connection is dropped.
func (c *Client) Send(evt presence.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, closing connection", zap.String("event", string(evt.Type)))
		c.Close()
		return false
	}
}

// Close signals both pumps to stop. The write pump sends the close frame.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump(session *presence.Session, s *Server) {
	defer func() {
		session.Close()
		c.Close()
		_ = c.conn.Close()
		s.untrackClient(c)
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		frame, err := presence.DecodeFrame(payload)
		if err != nil {
			c.Send(presence.ErrorEvent("bad_request", "frames must be JSON objects"))
			continue
		}
		if err := session.Handle(frame); err != nil {
			c.logger.Debug("frame rejected", zap.String("event", frame.Event), zap.Error(err))
		}
		s.metrics.SetOnline(s.registry.Len())
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case evt := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(evt); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
