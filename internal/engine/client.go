package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client adapts a websocket connection to the engine's Conn interface. Events
// are queued on a buffered channel drained by WritePump; a client that cannot
// keep up is closed rather than blocking the engine.
type Client struct {
	engine   *Engine
	conn     *websocket.Conn
	send     chan []byte
	id       string
	username string
}

func NewClient(engine *Engine, conn *websocket.Conn, username string) *Client {
	return &Client{
		engine:   engine,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		id:       uuid.NewString(),
		username: username,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Send(ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		// Slow consumer: closing the connection tears down both pumps and
		// runs the normal disconnect path.
		c.conn.Close()
		return errors.New("send buffer full")
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.engine.Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Debug("Dropping malformed frame from %s: %v", c.username, err)
			continue
		}
		c.handleEvent(&ev)
	}
}

// handleEvent dispatches one client request. Malformed or out-of-place
// requests are dropped and the connection stays open; only a persistence
// failure is acknowledged to the sender.
func (c *Client) handleEvent(ev *models.Event) {
	ctx := context.Background()

	switch ev.Type {
	case models.EventJoin:
		if ev.Room == "" {
			logger.Debug("Dropping join without room from %s", c.username)
			return
		}
		if err := c.engine.Join(ctx, c.id, ev.Room); err != nil {
			logger.Error("Join failed for %s: %v", c.username, err)
		}

	case models.EventSend:
		if ev.Text == "" {
			logger.Debug("Dropping empty message from %s", c.username)
			return
		}
		if err := c.engine.SendMessage(ctx, c.id, ev.Room, ev.Text); err != nil {
			if errors.Is(err, ErrNotInRoom) || errors.Is(err, ErrRoomMismatch) || errors.Is(err, ErrUnknownConnection) {
				logger.Debug("Dropping send from %s: %v", c.username, err)
				return
			}
			c.Send(&models.Event{Type: models.EventError, Error: "message could not be saved"})
		}

	case models.EventTyping:
		if err := c.engine.NotifyTyping(c.id); err != nil {
			logger.Debug("Dropping typing event from %s: %v", c.username, err)
		}

	default:
		logger.Debug("Dropping unknown event type %q from %s", ev.Type, c.username)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
