// Package ws is the realtime gateway: it keeps the authenticated connections,
// their room subscriptions and presence, and turns client frames into store
// writes and room broadcasts.
package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/skillsync/internal/config"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/metrics"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/repository"
	"github.com/skillsync/internal/storage"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotParticipant     = errors.New("not a participant")
	ErrUnknownRoom        = errors.New("unknown room")
	ErrTooManyConnections = errors.New("too many connections")
	ErrHubClosed          = errors.New("hub closed")
)

// ChatStore is the persisted chat store used by the gateway.
type ChatStore interface {
	FindOrCreateRoom(ctx context.Context, roomID string) (*model.ChatRoom, error)
	FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.ChatRoom, error)
	AppendMessage(ctx context.Context, roomID string, m *model.Message) (*model.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	GetMessage(ctx context.Context, roomID, messageID string) (*model.Message, error)
}

// UserStore resolves identities and records presence.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

// PushNotifier delivers notifications to users without a live connection. nil disables push.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

const storeTimeout = 5 * time.Second

// validationError carries the message shown to the sender and matches ErrValidation.
type validationError string

func (e validationError) Error() string        { return string(e) }
func (e validationError) Is(target error) bool { return target == ErrValidation }

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	total   int
	closed  bool

	// presenceMu orders SetOnline/SetOffline with the membership change that caused them.
	presenceMu sync.Mutex

	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex

	cfg    config.RealtimeConfig
	chats  ChatStore
	users  UserStore
	dedup  storage.DedupWindow
	push   PushNotifier
	now    func() time.Time

	unregister chan *Client
	quit       chan struct{}
	done       chan struct{}
}

func NewHub(chats ChatStore, users UserStore, dedup storage.DedupWindow, push PushNotifier, cfg config.RealtimeConfig) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 8192
	}
	cfg.HistoryLimit = repository.ClampLimit(cfg.HistoryLimit)
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Second
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		roomLocks:  make(map[string]*sync.Mutex),
		cfg:        cfg,
		chats:      chats,
		users:      users,
		dedup:      dedup,
		push:       push,
		now:        func() time.Time { return time.Now().UTC() },
		unregister: make(chan *Client, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run owns unregistration and shutdown. It returns after ctx is cancelled
// and every client has stopped.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.quit)
	// collect under the lock, close outside it
	h.mu.Lock()
	h.closed = true
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	metrics.ConnectionsReset()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	seen := make(map[string]struct{}, len(all))
	for _, c := range all {
		if _, ok := seen[c.user.ID]; ok {
			continue
		}
		seen[c.user.ID] = struct{}{}
		if err := h.users.SetOffline(ctx, c.user.ID, h.now()); err != nil {
			logger.Errorf("ws shutdown set offline user=%s: %v", c.user.ID, err)
		}
	}
}

// Full reports whether the connection cap is reached.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total >= h.cfg.MaxConnections
}

// Connect registers an authenticated client: it marks the user online,
// subscribes the connection to the global room and queues the global history
// for it. Call before Start so no frame is read before the join.
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	defer logger.DeferLogDuration("ws.Connect", time.Now())()
	h.presenceMu.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.presenceMu.Unlock()
		return ErrHubClosed
	}
	if h.total >= h.cfg.MaxConnections {
		h.mu.Unlock()
		h.presenceMu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.user.ID)
		return ErrTooManyConnections
	}
	if _, ok := h.clients[c.user.ID]; !ok {
		h.clients[c.user.ID] = make(map[*Client]struct{})
	}
	h.clients[c.user.ID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.ConnectionOpened()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	if err := h.users.SetOnline(sctx, c.user.ID); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.user.ID, err)
	}
	cancel()
	h.presenceMu.Unlock()

	h.join(ctx, c, model.GlobalRoomID, func(history []model.Message) OutgoingMessage {
		return OutgoingMessage{Type: EventPreviousMessages, Payload: history}
	})
	logger.Debugf("ws connected user=%s", c.user.ID)
	return nil
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) removeClient(c *Client) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	h.mu.Lock()
	clients, ok := h.clients[c.user.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	for room := range c.rooms {
		h.unsubscribeLocked(c, room)
	}
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.user.ID)
	}
	h.mu.Unlock()
	metrics.ConnectionClosed()

	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.users.SetOffline(ctx, c.user.ID, h.now()); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.user.ID, err)
		}
	}
	logger.Debugf("ws disconnected user=%s last=%v", c.user.ID, lastClient)
}

// IsConnected reports whether userID has at least one live connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) roomLock(roomID string) *sync.Mutex {
	h.roomLocksMu.Lock()
	defer h.roomLocksMu.Unlock()
	lk, ok := h.roomLocks[roomID]
	if !ok {
		lk = &sync.Mutex{}
		h.roomLocks[roomID] = lk
	}
	return lk
}

// join subscribes c to roomID and queues reply(history) for it. Both happen
// under the room lock, so the replay reaches c ahead of any live message and
// the two neither overlap nor leave a gap. A failed history read replays an
// empty list; the subscription stays.
func (h *Hub) join(ctx context.Context, c *Client, roomID string, reply func([]model.Message) OutgoingMessage) {
	lk := h.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	h.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	history, err := h.chats.RecentMessages(sctx, roomID, h.cfg.HistoryLimit)
	if err != nil {
		logger.Errorf("ws history room=%s user=%s: %v", roomID, c.user.ID, err)
		history = []model.Message{}
	}
	h.sendToClient(c, reply(history))
}

// unsubscribeLocked requires h.mu held for writing.
func (h *Hub) unsubscribeLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) isMember(c *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// HandleMessage dispatches one client frame.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventMessage:
		h.handleSend(ctx, c, msg)
	case EventGetMessages:
		h.handleGetMessages(ctx, c, msg)
	case EventJoinRoom:
		h.handleJoinRoom(ctx, c, msg)
	case EventLeaveRoom:
		h.handleLeaveRoom(c, msg)
	case EventSendMessage:
		h.handleRelay(ctx, c, msg)
	default:
		h.reject(c, "unknown_event", errorEvent("unknown event type", msg.Ack))
	}
}

func (h *Hub) reject(c *Client, reason string, out OutgoingMessage) {
	metrics.SendError(reason)
	h.sendToClient(c, out)
}

func (h *Hub) rejectRoom(c *Client, roomID string, err error, ack, failure string) {
	if errors.Is(err, ErrNotParticipant) || errors.Is(err, ErrUnknownRoom) {
		h.reject(c, "forbidden", errorEvent(err.Error(), ack))
		return
	}
	logger.Errorf("ws room=%s user=%s: %v", roomID, c.user.ID, err)
	h.reject(c, "store", errorEvent(failure, ack))
}

// ValidateContent trims content and checks it against the length bound.
func (h *Hub) ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", validationError("content required")
	}
	if utf8.RuneCountInString(content) > h.cfg.MaxContentLength {
		return "", validationError("content too long")
	}
	return content, nil
}

// authorizeRoom checks that userID may post to roomID: the global room is
// open to everyone, a direct room only to its two participants.
func (h *Hub) authorizeRoom(ctx context.Context, userID, roomID string) error {
	if roomID == model.GlobalRoomID {
		return nil
	}
	if !model.IsDirectRoomID(roomID) {
		return ErrUnknownRoom
	}
	room, err := h.chats.FindOrCreateRoom(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotParticipant
	}
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return ErrNotParticipant
	}
	return nil
}

func dedupKey(userID, messageID string) string { return userID + ":" + messageID }

func serverKey(messageID string) string { return "msg:" + messageID }

func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	content, err := h.ValidateContent(msg.Content)
	if err != nil {
		h.reject(c, "validation", errorEvent(err.Error(), msg.Ack))
		return
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		h.reject(c, "validation", errorEvent("messageId required", msg.Ack))
		return
	}
	roomID := strings.TrimSpace(msg.Room)
	if roomID == "" {
		roomID = model.GlobalRoomID
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := h.authorizeRoom(ctx, c.user.ID, roomID); err != nil {
		h.rejectRoom(c, roomID, err, msg.Ack, "failed to send message")
		return
	}

	key := dedupKey(c.user.ID, msg.MessageID)
	fresh, err := h.dedup.Register(ctx, key, h.cfg.DedupTTL)
	if err != nil {
		// an unavailable window must not block chat; accept the send
		logger.Errorf("ws dedup register user=%s: %v", c.user.ID, err)
		fresh = true
	}
	if !fresh {
		metrics.DuplicateDropped()
		logger.Debugf("ws duplicate dropped user=%s messageId=%s", c.user.ID, msg.MessageID)
		return
	}

	if _, err := h.post(ctx, &c.user, roomID, content); err != nil {
		logger.Errorf("ws append room=%s user=%s: %v", roomID, c.user.ID, err)
		if rerr := h.dedup.Release(context.Background(), key); rerr != nil {
			logger.Errorf("ws dedup release user=%s: %v", c.user.ID, rerr)
		}
		h.reject(c, "store", errorEvent("failed to send message", msg.Ack))
		return
	}
	metrics.MessagePersisted(metrics.SourceSocket)
}

// PostMessage is the REST entry point: validate, persist and broadcast a
// message exactly as a socket send would.
func (h *Hub) PostMessage(ctx context.Context, sender *model.User, roomID, content string) (*model.Message, error) {
	content, err := h.ValidateContent(content)
	if err != nil {
		return nil, err
	}
	if err := h.authorizeRoom(ctx, sender.ID, roomID); err != nil {
		return nil, err
	}
	saved, err := h.post(ctx, sender, roomID, content)
	if err != nil {
		return nil, err
	}
	metrics.MessagePersisted(metrics.SourceREST)
	return saved, nil
}

// post appends and broadcasts under the room lock, so every subscriber sees
// the room's messages in persistence order.
func (h *Hub) post(ctx context.Context, sender *model.User, roomID, content string) (*model.Message, error) {
	lk := h.roomLock(roomID)
	lk.Lock()
	saved, err := h.chats.AppendMessage(ctx, roomID, &model.Message{
		SenderID: sender.ID,
		Sender:   sender.ToSender(),
		Content:  content,
	})
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	// a later sendMessage relay of this message is a re-emit
	if _, err := h.dedup.Register(ctx, serverKey(saved.ID), h.cfg.DedupTTL); err != nil {
		logger.Errorf("ws dedup register message=%s: %v", saved.ID, err)
	}
	h.broadcastToRoom(roomID, OutgoingMessage{Type: EventMessage, Payload: saved})
	lk.Unlock()

	if model.IsDirectRoomID(roomID) {
		go h.notifyPeer(roomID, saved)
	}
	return saved, nil
}

// notifyPeer pushes a direct message to a peer with no live connection who
// opted into message notifications.
func (h *Hub) notifyPeer(roomID string, m *model.Message) {
	if h.push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	room, err := h.chats.FindOrCreateRoom(ctx, roomID)
	if err != nil {
		logger.Errorf("ws push lookup room=%s: %v", roomID, err)
		return
	}
	peerID := room.Peer(m.SenderID)
	if peerID == "" || h.IsConnected(peerID) {
		return
	}
	peer, err := h.users.GetByID(ctx, peerID)
	if err != nil {
		logger.Errorf("ws push lookup user=%s: %v", peerID, err)
		return
	}
	if !peer.NotifyMessages {
		return
	}
	title := m.Sender.Name
	if title == "" {
		title = "New message"
	}
	body := m.Content
	if utf8.RuneCountInString(body) > 120 {
		body = string([]rune(body)[:117]) + "..."
	}
	h.push.Notify(ctx, peerID, title, body, map[string]string{"room": roomID, "message_id": m.ID})
}

func (h *Hub) handleGetMessages(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	history, err := h.chats.RecentMessages(ctx, model.GlobalRoomID, h.cfg.HistoryLimit)
	if err != nil {
		logger.Errorf("ws getMessages user=%s: %v", c.user.ID, err)
		h.reject(c, "store", errorEvent("failed to load messages", msg.Ack))
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventGetMessages, Payload: history, Ack: msg.Ack})
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, msg IncomingMessage) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	roomID := strings.TrimSpace(msg.Room)
	if peerID := strings.TrimSpace(msg.PeerID); peerID != "" {
		if _, err := h.users.GetByID(sctx, peerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				h.reject(c, "validation", errorEvent("user not found", msg.Ack))
				return
			}
			logger.Errorf("ws joinRoom peer=%s: %v", peerID, err)
			h.reject(c, "store", errorEvent("failed to join room", msg.Ack))
			return
		}
		room, err := h.chats.FindOrCreateDirectRoom(sctx, c.user.ID, peerID)
		if err != nil {
			if errors.Is(err, model.ErrSelfDirectRoom) {
				h.reject(c, "validation", errorEvent(err.Error(), msg.Ack))
				return
			}
			logger.Errorf("ws joinRoom direct user=%s peer=%s: %v", c.user.ID, peerID, err)
			h.reject(c, "store", errorEvent("failed to join room", msg.Ack))
			return
		}
		roomID = room.ID
	} else if roomID == "" {
		h.reject(c, "validation", errorEvent("room or peerId required", msg.Ack))
		return
	} else if err := h.authorizeRoom(sctx, c.user.ID, roomID); err != nil {
		h.rejectRoom(c, roomID, err, msg.Ack, "failed to join room")
		return
	}

	h.join(ctx, c, roomID, func(history []model.Message) OutgoingMessage {
		return OutgoingMessage{
			Type:    EventJoinedRoom,
			Payload: JoinedRoomPayload{Room: roomID, Messages: history},
			Ack:     msg.Ack,
		}
	})
}

func (h *Hub) handleLeaveRoom(c *Client, msg IncomingMessage) {
	roomID := strings.TrimSpace(msg.Room)
	if roomID == "" {
		h.reject(c, "validation", errorEvent("room required", msg.Ack))
		return
	}
	if roomID == model.GlobalRoomID {
		h.reject(c, "validation", errorEvent("cannot leave the global room", msg.Ack))
		return
	}
	h.mu.Lock()
	h.unsubscribeLocked(c, roomID)
	h.mu.Unlock()
}

// handleRelay re-announces a message that was persisted through REST. Once
// the server id has been broadcast it sits in the dedup window, so a client
// re-emitting it right after its POST is absorbed.
func (h *Hub) handleRelay(ctx context.Context, c *Client, msg IncomingMessage) {
	roomID := strings.TrimSpace(msg.Room)
	if roomID == "" {
		roomID = model.GlobalRoomID
	}
	if strings.TrimSpace(msg.ID) == "" {
		h.reject(c, "validation", errorEvent("id required", msg.Ack))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := h.authorizeRoom(ctx, c.user.ID, roomID); err != nil {
		h.rejectRoom(c, roomID, err, msg.Ack, "failed to relay message")
		return
	}
	fresh, err := h.dedup.Register(ctx, serverKey(msg.ID), h.cfg.DedupTTL)
	if err != nil {
		logger.Errorf("ws dedup relay message=%s: %v", msg.ID, err)
		fresh = true
	}
	if !fresh {
		metrics.DuplicateDropped()
		return
	}
	m, err := h.chats.GetMessage(ctx, roomID, msg.ID)
	if err != nil {
		// nothing was announced, so a later relay of this id must go through
		if rerr := h.dedup.Release(context.Background(), serverKey(msg.ID)); rerr != nil {
			logger.Errorf("ws dedup release message=%s: %v", msg.ID, rerr)
		}
		if errors.Is(err, repository.ErrNotFound) {
			h.reject(c, "validation", errorEvent("message not found", msg.Ack))
			return
		}
		logger.Errorf("ws relay message=%s: %v", msg.ID, err)
		h.reject(c, "store", errorEvent("failed to relay message", msg.Ack))
		return
	}
	lk := h.roomLock(roomID)
	lk.Lock()
	h.broadcastToRoom(roomID, OutgoingMessage{Type: EventMessage, Payload: m})
	lk.Unlock()
}

func (h *Hub) broadcastToRoom(roomID string, msg OutgoingMessage) {
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
	metrics.Broadcast(len(targets))
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// back-pressure: the buffer is full, drop the slow client
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.user.ID)
		c.Close()
	}
}
