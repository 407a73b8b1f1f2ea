package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/model"
	"golang.org/x/time/rate"
)

// bufPool pools bytes.Buffer for JSON encoding in the write pump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one authenticated WebSocket connection.
// Lifecycle: NewClient -> Hub.Connect -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan OutgoingMessage
	user    model.User
	limiter *rate.Limiter

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	// done is the non-blocking guard used by sendToClient.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, user *model.User) *Client {
	limit := rate.Inf
	if hub.cfg.RatePerSecond > 0 {
		limit = rate.Limit(hub.cfg.RatePerSecond)
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan OutgoingMessage, hub.cfg.SendBufferSize),
		user:    *user,
		limiter: rate.NewLimiter(limit, hub.cfg.RateBurst),
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.user.ID }

// Start launches the pumps. ctx bounds their lifetime; cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call repeatedly from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// readPump handles this connection's frames one at a time, in arrival order.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongTimeout
	c.conn.SetReadLimit(c.hub.cfg.MaxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.user.ID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.user.ID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debugf("ws unmarshal error user=%s: %v", c.user.ID, err)
			c.hub.sendToClient(c, errorEvent("malformed frame", ""))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch isolates a panicking handler to the frame that caused it.
func (c *Client) dispatch(ctx context.Context, msg IncomingMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("ws panic user=%s type=%s: %v", c.user.ID, msg.Type, rec)
			c.hub.sendToClient(c, errorEvent("internal error", msg.Ack))
		}
	}()
	if !c.limiter.Allow() {
		c.hub.reject(c, "rate_limited", errorEvent("rate limited", msg.Ack))
		return
	}
	c.hub.HandleMessage(ctx, c, msg)
}

// writePump owns all writes to the socket.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	writeWait := c.hub.cfg.WriteTimeout
	ticker := time.NewTicker((c.hub.cfg.PongTimeout * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.user.ID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.user.ID, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.user.ID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
