// Package chatclient is a Go client for the realtime gateway. It keeps one
// connection open, reconnects with capped exponential backoff when the
// transport drops, and rejoins the rooms it had joined.
//
// There is no send acknowledgement: a message counts as delivered once it
// arrives on Messages. Retrying the same action must reuse its messageId
// (Resend) so the gateway can drop the duplicate.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/ws"
)

var (
	ErrClosed       = errors.New("chatclient: closed")
	ErrDisconnected = errors.New("chatclient: not connected")
	ErrUnauthorized = errors.New("chatclient: unauthorized")
	ErrServer       = errors.New("chatclient: server error")
)

type Config struct {
	URL    string
	Token  string
	Origin string

	// MaxRetries bounds reconnect attempts per outage; negative retries forever.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ReadLimit caps one inbound frame. History frames can be large.
	ReadLimit int64
	// Buffer sizes the Messages, History and Errors channels.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// backoff returns the wait before reconnect attempt n (0-based).
func backoff(base, max time.Duration, n int) time.Duration {
	if n > 30 {
		return max
	}
	d := base << n
	if d <= 0 || d > max {
		return max
	}
	return d
}

type frame struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ack     string          `json:"ack,omitempty"`
}

type result struct {
	f   frame
	err error
}

type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	err     error
	pending map[string]chan result
	rooms   map[string]struct{}

	messages chan model.Message
	history  chan []model.Message
	errs     chan string

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects and starts the reader. Only the first connection attempt
// happens here; later outages are handled in the background.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		pending:  make(map[string]chan result),
		rooms:    make(map[string]struct{}),
		messages: make(chan model.Message, cfg.Buffer),
		history:  make(chan []model.Message, cfg.Buffer),
		errs:     make(chan string, cfg.Buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(rctx, conn)
	return c, nil
}

func dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.Token)
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}
	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("chatclient: dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(cfg.ReadLimit)
	return conn, nil
}

// Messages delivers live broadcasts. The reader waits for the caller here, so
// no broadcast is dropped. Closed when the client stops.
func (c *Client) Messages() <-chan model.Message { return c.messages }

// History delivers the replay sent on every (re)connect and on room rejoin.
// Reading it is optional: when the buffer is full the oldest replay is
// dropped, so an unread History never holds up Messages.
func (c *Client) History() <-chan []model.Message { return c.history }

// Errors delivers error events that do not answer a request. Like History it
// keeps the newest Buffer entries and drops the oldest when nobody reads.
func (c *Client) Errors() <-chan string { return c.errs }

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped: nil after Close, the last dial error
// when reconnecting gave up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send posts content under a fresh messageId and returns it for Resend.
func (c *Client) Send(ctx context.Context, room, content string) (string, error) {
	id := uuid.NewString()
	return id, c.Resend(ctx, room, content, id)
}

// Resend retries a send under its original messageId.
func (c *Client) Resend(ctx context.Context, room, content, messageID string) error {
	return c.write(ctx, ws.IncomingMessage{Type: ws.EventMessage, Room: room, Content: content, MessageID: messageID})
}

// Relay re-announces a message already persisted through the REST API.
func (c *Client) Relay(ctx context.Context, room, id string) error {
	return c.write(ctx, ws.IncomingMessage{Type: ws.EventSendMessage, Room: room, ID: id})
}

// GetMessages fetches the recent global history.
func (c *Client) GetMessages(ctx context.Context) ([]model.Message, error) {
	f, err := c.request(ctx, ws.IncomingMessage{Type: ws.EventGetMessages})
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal(f.Payload, &msgs); err != nil {
		return nil, fmt.Errorf("chatclient: decode history: %w", err)
	}
	fillSenders(msgs)
	return msgs, nil
}

// JoinDirect opens the direct room with peerID and returns its id and history.
func (c *Client) JoinDirect(ctx context.Context, peerID string) (string, []model.Message, error) {
	return c.join(ctx, ws.IncomingMessage{Type: ws.EventJoinRoom, PeerID: peerID})
}

// Join subscribes to a room by id.
func (c *Client) Join(ctx context.Context, roomID string) ([]model.Message, error) {
	_, msgs, err := c.join(ctx, ws.IncomingMessage{Type: ws.EventJoinRoom, Room: roomID})
	return msgs, err
}

func (c *Client) join(ctx context.Context, msg ws.IncomingMessage) (string, []model.Message, error) {
	f, err := c.request(ctx, msg)
	if err != nil {
		return "", nil, err
	}
	var p ws.JoinedRoomPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return "", nil, fmt.Errorf("chatclient: decode joinedRoom: %w", err)
	}
	fillSenders(p.Messages)
	c.mu.Lock()
	c.rooms[p.Room] = struct{}{}
	c.mu.Unlock()
	return p.Room, p.Messages, nil
}

// Leave unsubscribes from a room. The server does not confirm.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return c.write(ctx, ws.IncomingMessage{Type: ws.EventLeaveRoom, Room: roomID})
}

// Close stops the client and waits for the reader. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	<-c.done
	return nil
}

func (c *Client) write(ctx context.Context, msg ws.IncomingMessage) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}
	return wsjson.Write(ctx, conn, msg)
}

// request sends msg under a fresh ack and waits for the matching reply.
func (c *Client) request(ctx context.Context, msg ws.IncomingMessage) (frame, error) {
	msg.Ack = uuid.NewString()
	ch := make(chan result, 1)
	c.mu.Lock()
	c.pending[msg.Ack] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Ack)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return frame{}, err
	}
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClosed
	}
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.stop()
	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		logger.Infof("chatclient: connection lost: %v", err)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failPending(ErrDisconnected)

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				logger.Errorf("chatclient: %v", err)
			}
			return
		}
		if !c.swapConn(conn) {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		c.rejoin(ctx, conn)
	}
}

func (c *Client) swapConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for n := 0; c.cfg.MaxRetries < 0 || n < c.cfg.MaxRetries; n++ {
		t := time.NewTimer(backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff, n))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		conn, err := dial(ctx, c.cfg)
		if err == nil {
			logger.Infof("chatclient: reconnected after %d attempt(s)", n+1)
			return conn, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		logger.Debugf("chatclient: reconnect attempt %d: %v", n+1, err)
		lastErr = err
	}
	return nil, fmt.Errorf("chatclient: giving up after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// rejoin restores direct room subscriptions; the server rejoins global itself.
func (c *Client) rejoin(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	for _, r := range rooms {
		if err := wsjson.Write(ctx, conn, ws.IncomingMessage{Type: ws.EventJoinRoom, Room: r}); err != nil {
			logger.Errorf("chatclient: rejoin %s: %v", r, err)
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		c.route(ctx, f)
	}
}

func (c *Client) route(ctx context.Context, f frame) {
	if f.Ack != "" && c.answer(f) {
		return
	}
	switch f.Type {
	case ws.EventMessage:
		var m model.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			logger.Errorf("chatclient: decode message: %v", err)
			return
		}
		m.SenderID = m.Sender.ID
		deliver(ctx, c.messages, m)
	case ws.EventPreviousMessages, ws.EventGetMessages:
		var msgs []model.Message
		if err := json.Unmarshal(f.Payload, &msgs); err != nil {
			logger.Errorf("chatclient: decode history: %v", err)
			return
		}
		fillSenders(msgs)
		offer(c.history, msgs, "history")
	case ws.EventJoinedRoom:
		var p ws.JoinedRoomPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			logger.Errorf("chatclient: decode joinedRoom: %v", err)
			return
		}
		fillSenders(p.Messages)
		offer(c.history, p.Messages, "history")
	case ws.EventError:
		offer(c.errs, errorMessage(f), "error")
	default:
		logger.Debugf("chatclient: ignoring %q frame", f.Type)
	}
}

// answer hands an acked frame to its waiting request.
func (c *Client) answer(f frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.Ack]
	delete(c.pending, f.Ack)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if f.Type == ws.EventError {
		ch <- result{err: fmt.Errorf("%w: %s", ErrServer, errorMessage(f))}
	} else {
		ch <- result{f: f}
	}
	return true
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ack, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, ack)
	}
}

func (c *Client) stop() {
	c.failPending(ErrClosed)
	close(c.messages)
	close(c.history)
	close(c.errs)
	close(c.done)
}

func errorMessage(f frame) string {
	var p ws.ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || strings.TrimSpace(p.Message) == "" {
		return "unknown error"
	}
	return p.Message
}

func fillSenders(msgs []model.Message) {
	for i := range msgs {
		msgs[i].SenderID = msgs[i].Sender.ID
	}
}

func deliver[T any](ctx context.Context, ch chan T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

// offer queues v without blocking, evicting the oldest entry when ch is full.
// Only the reader goroutine sends, so the loop ends once a slot is free.
func offer[T any](ch chan T, v T, what string) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
			logger.Debugf("chatclient: %s buffer full, dropped the oldest entry", what)
		default:
		}
	}
}
