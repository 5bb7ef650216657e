package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"icebreaker/backend/internal/command"
	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/room"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/middleware"
)

// Frame types
const (
	FrameSend      = "send"
	FrameSummarize = "summarize"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameView      = "view"
	FrameError     = "error"
)

// Frame is the envelope for every websocket message in both directions
type Frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

type sendContent struct {
	Text string `json:"text"`
}

type errorContent struct {
	Message string `json:"message"`
}

// Client is one websocket connection bound to one room session
type Client struct {
	id      string
	roomID  string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	session *room.Session
	limiter *rate.Limiter
	log     *logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ServeWs upgrades the request and runs a session for the authenticated
// participant in room :id
func ServeWs(hub *Hub, c *gin.Context) {
	roomID := c.Param("id")
	userID := middleware.UserID(c)

	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", "room_id", roomID, "error", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:      uuid.New().String(),
		roomID:  roomID,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     hub,
		session: hub.newSession(roomID, userID),
		limiter: rate.NewLimiter(hub.opts.SendRate, hub.opts.SendBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	client.log = &logger.Logger{Logger: hub.log.WithRoom(roomID).WithUserID(userID).With("client_id", client.id)}

	go client.writePump()
	go client.run()
}

func (c *Client) run() {
	if !c.hub.add(c) {
		c.close()
		return
	}

	startCtx, cancel := context.WithTimeout(c.ctx, startTimeout)
	err := c.session.Start(startCtx)
	cancel()
	if err != nil {
		c.log.LogError(err, "session start failed")
		c.sendError("Could not open the room. Please reconnect.")
		c.sendView()
		// writePump flushes queued frames before closing
		c.close()
		return
	}
	c.log.Info("websocket session started")

	go c.viewPump()
	c.readPump()
}

// viewPump pushes the session view after every change until teardown
func (c *Client) viewPump() {
	c.sendView()
	for range c.session.Updates() {
		c.sendView()
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("Malformed frame")
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame runs on the read loop, so posts keep arrival order. Assistant
// round trips run in the background.
func (c *Client) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameSend:
		var content sendContent
		if err := json.Unmarshal(frame.Content, &content); err != nil {
			c.sendError("Malformed send frame")
			return
		}
		if !c.limiter.Allow() {
			metrics.RateLimitHits.WithLabelValues("ws_send").Inc()
			c.sendError("You're sending messages too fast.")
			return
		}
		question, err := c.session.Post(c.ctx, content.Text)
		if err != nil {
			if !errors.Is(err, command.ErrEmptyMessage) {
				// the view carries the user-facing status
				c.log.Debug("send finished with error", "error", err.Error())
			}
			return
		}
		if question != "" {
			go func() {
				if err := c.session.Ask(c.ctx, question); err != nil {
					c.log.Debug("ask finished with error", "error", err.Error())
				}
			}()
		}

	case FrameSummarize:
		go func() {
			if err := c.session.Summarize(c.ctx); err != nil {
				c.log.Debug("summarize finished with error", "error", err.Error())
			}
		}()

	case FramePing:
		c.sendFrame(FramePong, nil)

	default:
		c.sendError("Unknown frame type: " + frame.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames already queued, without blocking for new ones
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) sendView() {
	c.sendFrame(FrameView, c.session.View())
}

func (c *Client) sendError(message string) {
	c.sendFrame(FrameError, errorContent{Message: message})
}

func (c *Client) sendFrame(frameType string, content any) {
	frame := Frame{Type: frameType}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			c.log.LogError(err, "failed to encode frame", "type", frameType)
			return
		}
		frame.Content = raw
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.LogError(err, "failed to encode frame", "type", frameType)
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.session.Teardown()
		c.hub.remove(c)
		c.log.Info("websocket session closed")
	})
}
