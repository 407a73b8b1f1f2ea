package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillsync/internal/config"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/storage/devstore"
	"github.com/skillsync/internal/storage/memory"
)

// flakyStore fails AppendMessage while failAppend is set and runs
// beforeRecent once, inside the next RecentMessages call.
type flakyStore struct {
	*devstore.Store
	failAppend   atomic.Bool
	beforeRecent atomic.Pointer[func()]
}

func (f *flakyStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if hook := f.beforeRecent.Swap(nil); hook != nil {
		(*hook)()
	}
	return f.Store.RecentMessages(ctx, roomID, limit)
}

func (f *flakyStore) AppendMessage(ctx context.Context, roomID string, m *model.Message) (*model.Message, error) {
	if f.failAppend.Load() {
		return nil, errors.New("disk on fire")
	}
	return f.Store.AppendMessage(ctx, roomID, m)
}

type notified struct {
	userID, title, body string
}

type recordingPush struct {
	mu  sync.Mutex
	got []notified
}

func (p *recordingPush) Notify(_ context.Context, userID, title, body string, _ map[string]string) {
	p.mu.Lock()
	p.got = append(p.got, notified{userID, title, body})
	p.mu.Unlock()
}

func (p *recordingPush) calls() []notified {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notified(nil), p.got...)
}

type testEnv struct {
	hub   *Hub
	store *flakyStore
	dedup *memory.Window
	push  *recordingPush
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, tune func(*config.RealtimeConfig)) *testEnv {
	t.Helper()
	cfg := config.RealtimeConfig{
		SendBufferSize:   64,
		WriteTimeout:     time.Second,
		PongTimeout:      5 * time.Second,
		MaxFrameSize:     8192,
		HistoryLimit:     50,
		MaxContentLength: 2000,
		DedupTTL:         5 * time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}
	store := &flakyStore{Store: devstore.New()}
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.Create(context.Background(), &model.User{ID: id, Name: strings.ToUpper(id[:1]) + id[1:], NotifyMessages: true}); err != nil {
			t.Fatal(err)
		}
	}
	dedup := memory.New(50 * time.Millisecond)
	push := &recordingPush{}
	hub := NewHub(store, store, dedup, push, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := store.GetByID(r.Context(), r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn, user)
		if err := hub.Connect(cctx, c); err != nil {
			ccancel()
			conn.Close()
			return
		}
		c.Start(cctx, ccancel)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		dedup.Close()
	})
	return &testEnv{hub: hub, store: store, dedup: dedup, push: push, srv: srv}
}

type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ack     string          `json:"ack"`
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and consumes the previousMessages frame.
func (e *testEnv) connect(t *testing.T, user string) (*websocket.Conn, []model.Message) {
	t.Helper()
	conn := e.dial(t, user)
	f := read(t, conn)
	if f.Type != EventPreviousMessages {
		t.Fatalf("%s: first frame %q, want previousMessages", user, f.Type)
	}
	var history []model.Message
	if err := json.Unmarshal(f.Payload, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return conn, history
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func readMessage(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	f := read(t, conn)
	if f.Type != EventMessage {
		t.Fatalf("got %q (%s), want message", f.Type, f.Payload)
	}
	var m model.Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	f := read(t, conn)
	if f.Type != EventError {
		t.Fatalf("got %q (%s), want error", f.Type, f.Payload)
	}
	var p ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return p.Message
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) online(id string) bool {
	u, err := e.store.GetByID(context.Background(), id)
	return err == nil && u.IsOnline
}

func (e *testEnv) roomSize(t *testing.T, roomID string) int {
	t.Helper()
	msgs, err := e.store.RecentMessages(context.Background(), roomID, 200)
	if err != nil {
		t.Fatal(err)
	}
	return len(msgs)
}

func TestConnectMarksOnlineAndSendsHistory(t *testing.T) {
	e := newTestEnv(t, nil)
	for i := 0; i < 60; i++ {
		if _, err := e.store.AppendMessage(context.Background(), model.GlobalRoomID, &model.Message{SenderID: "bob", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	conn, history := e.connect(t, "alice")
	if len(history) != 50 || history[0].Content != "m10" || history[49].Content != "m59" {
		t.Fatalf("history: len=%d first=%+v", len(history), history[0])
	}
	if !e.online("alice") {
		t.Fatal("alice should be online")
	}

	before := time.Now().UTC()
	conn.Close()
	waitFor(t, "alice offline", func() bool { return !e.online("alice") })
	u, _ := e.store.GetByID(context.Background(), "alice")
	if u.LastSeen.Before(before.Add(-time.Second)) {
		t.Fatalf("last seen not updated: %v", u.LastSeen)
	}
}

func TestEmptyHistoryIsAnEmptyList(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, "alice")
	f := read(t, conn)
	if f.Type != EventPreviousMessages || string(f.Payload) != "[]" {
		t.Fatalf("got %s %s", f.Type, f.Payload)
	}
}

func TestSendBroadcastsToEveryConnectionInRoom(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	alice2, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	send(t, alice, IncomingMessage{Type: EventMessage, Content: "  hello world  ", MessageID: "k1"})

	var ids []string
	for _, c := range []*websocket.Conn{alice, alice2, bob} {
		m := readMessage(t, c)
		if m.Content != "hello world" || m.RoomID != model.GlobalRoomID {
			t.Fatalf("unexpected message: %+v", m)
		}
		if m.Sender.ID != "alice" || m.Sender.Name != "Alice" {
			t.Fatalf("sender: %+v", m.Sender)
		}
		ids = append(ids, m.ID)
	}
	if ids[0] == "" || ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("ids differ: %v", ids)
	}
	if n := e.roomSize(t, model.GlobalRoomID); n != 1 {
		t.Fatalf("stored %d messages", n)
	}
}

func TestDuplicateMessageIDIsDroppedWithinWindow(t *testing.T) {
	e := newTestEnv(t, func(c *config.RealtimeConfig) { c.DedupTTL = 300 * time.Millisecond })
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	send(t, alice, IncomingMessage{Type: EventMessage, Content: "once", MessageID: "dup"})
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "once", MessageID: "dup"})
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "marker", MessageID: "other"})

	if m := readMessage(t, bob); m.Content != "once" {
		t.Fatalf("first: %+v", m)
	}
	if m := readMessage(t, bob); m.Content != "marker" {
		t.Fatalf("duplicate leaked: %+v", m)
	}
	if n := e.roomSize(t, model.GlobalRoomID); n != 2 {
		t.Fatalf("stored %d messages, want 2", n)
	}

	// the same key from another user is a different send
	send(t, bob, IncomingMessage{Type: EventMessage, Content: "bob's", MessageID: "dup"})
	if m := readMessage(t, alice); m.Content != "once" {
		t.Fatalf("alice first: %+v", m)
	}
	readMessage(t, alice) // marker
	if m := readMessage(t, alice); m.Content != "bob's" {
		t.Fatalf("bob's send was dropped: %+v", m)
	}

	// after expiry the key is accepted again
	time.Sleep(400 * time.Millisecond)
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "again", MessageID: "dup"})
	readMessage(t, bob) // bob's own
	if m := readMessage(t, bob); m.Content != "again" {
		t.Fatalf("expired key not accepted: %+v", m)
	}
}

func TestValidationErrorsGoToSenderOnly(t *testing.T) {
	e := newTestEnv(t, func(c *config.RealtimeConfig) { c.MaxContentLength = 10 })
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	tests := []struct {
		in   IncomingMessage
		want string
	}{
		{IncomingMessage{Type: EventMessage, Content: "   ", MessageID: "a"}, "content required"},
		{IncomingMessage{Type: EventMessage, Content: "hello", MessageID: ""}, "messageId required"},
		{IncomingMessage{Type: EventMessage, Content: strings.Repeat("x", 11), MessageID: "b"}, "content too long"},
		{IncomingMessage{Type: EventMessage, Content: "hi", MessageID: "c", Room: "lobby"}, "unknown room"},
		{IncomingMessage{Type: "typing"}, "unknown event type"},
	}
	for _, tt := range tests {
		send(t, alice, tt.in)
		if got := readError(t, alice); got != tt.want {
			t.Fatalf("%+v: got %q want %q", tt.in, got, tt.want)
		}
	}
	// runes, not bytes, count against the bound
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "привет мир", MessageID: "d"})
	readMessage(t, alice)
	if m := readMessage(t, bob); m.Content != "привет мир" {
		t.Fatalf("bob saw %+v", m)
	}
	if n := e.roomSize(t, model.GlobalRoomID); n != 1 {
		t.Fatalf("stored %d", n)
	}
}

func TestPersistenceFailureReleasesKey(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	e.store.failAppend.Store(true)
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "hi", MessageID: "retry-me"})
	if got := readError(t, alice); got != "failed to send message" {
		t.Fatalf("got %q", got)
	}

	e.store.failAppend.Store(false)
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "hi", MessageID: "retry-me"})
	if m := readMessage(t, bob); m.Content != "hi" {
		t.Fatalf("retry: %+v", m)
	}
}

func TestGetMessagesEchoesAck(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "one", MessageID: "1"})
	readMessage(t, alice)

	send(t, alice, IncomingMessage{Type: EventGetMessages, Ack: "req-7"})
	f := read(t, alice)
	if f.Type != EventGetMessages || f.Ack != "req-7" {
		t.Fatalf("got %s ack=%q", f.Type, f.Ack)
	}
	var msgs []model.Message
	if err := json.Unmarshal(f.Payload, &msgs); err != nil || len(msgs) != 1 || msgs[0].Content != "one" {
		t.Fatalf("payload %s: %v", f.Payload, err)
	}
}

func TestDirectRooms(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")
	carol, _ := e.connect(t, "carol")

	send(t, alice, IncomingMessage{Type: EventJoinRoom, PeerID: "bob", Ack: "j1"})
	f := read(t, alice)
	if f.Type != EventJoinedRoom || f.Ack != "j1" {
		t.Fatalf("got %s", f.Type)
	}
	var joined JoinedRoomPayload
	if err := json.Unmarshal(f.Payload, &joined); err != nil {
		t.Fatal(err)
	}
	roomID, _ := model.DirectRoomID("alice", "bob")
	if joined.Room != roomID || len(joined.Messages) != 0 {
		t.Fatalf("joined: %+v", joined)
	}

	send(t, bob, IncomingMessage{Type: EventJoinRoom, Room: roomID})
	if f := read(t, bob); f.Type != EventJoinedRoom {
		t.Fatalf("bob join: %s", f.Type)
	}

	send(t, carol, IncomingMessage{Type: EventJoinRoom, Room: roomID})
	if got := readError(t, carol); got != "not a participant" {
		t.Fatalf("carol join: %q", got)
	}
	send(t, carol, IncomingMessage{Type: EventMessage, Room: roomID, Content: "sneaky", MessageID: "s"})
	if got := readError(t, carol); got != "not a participant" {
		t.Fatalf("carol send: %q", got)
	}

	send(t, alice, IncomingMessage{Type: EventMessage, Room: roomID, Content: "psst", MessageID: "p"})
	if m := readMessage(t, bob); m.Content != "psst" || m.RoomID != roomID {
		t.Fatalf("bob got %+v", m)
	}
	readMessage(t, alice)

	// global traffic does not leak the direct message to carol
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "public", MessageID: "g"})
	if m := readMessage(t, carol); m.Content != "public" {
		t.Fatalf("carol got %+v", m)
	}

	if m := readMessage(t, bob); m.Content != "public" {
		t.Fatalf("bob global: %+v", m)
	}
	readMessage(t, alice) // public

	send(t, bob, IncomingMessage{Type: EventLeaveRoom, Room: model.GlobalRoomID})
	if got := readError(t, bob); got != "cannot leave the global room" {
		t.Fatalf("leave global: %q", got)
	}
	send(t, bob, IncomingMessage{Type: EventLeaveRoom, Room: roomID})
	// frames are handled in order, so the reply proves the leave is done
	send(t, bob, IncomingMessage{Type: EventGetMessages, Ack: "sync"})
	if f := read(t, bob); f.Ack != "sync" {
		t.Fatalf("sync: %s", f.Type)
	}

	send(t, alice, IncomingMessage{Type: EventMessage, Room: roomID, Content: "gone?", MessageID: "p2"})
	readMessage(t, alice)
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "after", MessageID: "g2"})
	if m := readMessage(t, bob); m.Content != "after" {
		t.Fatalf("bob still subscribed to the direct room: %+v", m)
	}
}

func TestDirectMessageNotifiesOfflinePeer(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	roomID, _ := model.DirectRoomID("alice", "carol")
	send(t, alice, IncomingMessage{Type: EventJoinRoom, PeerID: "carol"})
	read(t, alice)

	send(t, alice, IncomingMessage{Type: EventMessage, Room: roomID, Content: "are you there", MessageID: "n1"})
	readMessage(t, alice)
	waitFor(t, "push", func() bool { return len(e.push.calls()) == 1 })
	got := e.push.calls()[0]
	if got.userID != "carol" || got.title != "Alice" || got.body != "are you there" {
		t.Fatalf("push: %+v", got)
	}
}

func TestRESTPostBroadcastsAndRelayIsAbsorbed(t *testing.T) {
	e := newTestEnv(t, func(c *config.RealtimeConfig) { c.DedupTTL = 300 * time.Millisecond })
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	sender, _ := e.store.GetByID(context.Background(), "alice")
	saved, err := e.hub.PostMessage(context.Background(), sender, model.GlobalRoomID, "via rest")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if m := readMessage(t, bob); m.ID != saved.ID {
		t.Fatalf("bob got %+v", m)
	}
	readMessage(t, alice)

	// legacy client re-emits its REST write
	send(t, alice, IncomingMessage{Type: EventSendMessage, Room: model.GlobalRoomID, ID: saved.ID})
	send(t, alice, IncomingMessage{Type: EventMessage, Content: "marker", MessageID: "m"})
	if m := readMessage(t, bob); m.Content != "marker" {
		t.Fatalf("relay was not absorbed: %+v", m)
	}

	time.Sleep(400 * time.Millisecond)
	send(t, alice, IncomingMessage{Type: EventSendMessage, Room: model.GlobalRoomID, ID: saved.ID})
	if m := readMessage(t, bob); m.ID != saved.ID {
		t.Fatalf("late relay: %+v", m)
	}

	send(t, alice, IncomingMessage{Type: EventSendMessage, ID: "nope"})
	readMessage(t, alice) // marker
	readMessage(t, alice) // relay
	if got := readError(t, alice); got != "message not found" {
		t.Fatalf("unknown relay: %q", got)
	}

	if _, err := e.hub.PostMessage(context.Background(), sender, model.GlobalRoomID, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty REST post: %v", err)
	}
}

func TestPresenceWithSeveralConnections(t *testing.T) {
	e := newTestEnv(t, nil)
	c1, _ := e.connect(t, "alice")
	c2, _ := e.connect(t, "alice")

	c1.Close()
	waitFor(t, "one connection left", func() bool {
		e.hub.mu.RLock()
		defer e.hub.mu.RUnlock()
		return len(e.hub.clients["alice"]) == 1
	})
	if !e.online("alice") {
		t.Fatal("alice went offline with a connection still open")
	}
	c2.Close()
	waitFor(t, "alice offline", func() bool { return !e.online("alice") })
	if e.hub.IsConnected("alice") {
		t.Fatal("hub still tracks alice")
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.RealtimeConfig) {
		c.RatePerSecond = 0.001
		c.RateBurst = 1
	})
	alice, _ := e.connect(t, "alice")
	send(t, alice, IncomingMessage{Type: EventGetMessages, Ack: "1"})
	if f := read(t, alice); f.Type != EventGetMessages {
		t.Fatalf("first: %s", f.Type)
	}
	send(t, alice, IncomingMessage{Type: EventGetMessages, Ack: "2"})
	if got := readError(t, alice); got != "rate limited" {
		t.Fatalf("second: %q", got)
	}
}

func TestConnectionCap(t *testing.T) {
	e := newTestEnv(t, func(c *config.RealtimeConfig) { c.MaxConnections = 1 })
	e.connect(t, "alice")
	if !e.hub.Full() {
		t.Fatal("hub should be full")
	}
	conn := e.dial(t, "bob")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the over-cap connection to be closed")
	}
}

func TestBroadcastOrderMatchesPersistenceOrder(t *testing.T) {
	e := newTestEnv(t, nil)
	const perSender = 20
	senders := []string{"alice", "bob", "carol"}
	conns := make([]*websocket.Conn, len(senders))
	for i, u := range senders {
		conns[i], _ = e.connect(t, u)
	}
	watcher, _ := e.connect(t, "alice")

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *websocket.Conn) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				if err := c.WriteJSON(IncomingMessage{Type: EventMessage, Content: fmt.Sprintf("%s-%d", senders[i], n), MessageID: fmt.Sprintf("%d", n)}); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	total := perSender * len(senders)
	var seen []string
	for len(seen) < total {
		seen = append(seen, readMessage(t, watcher).ID)
	}
	stored, err := e.store.RecentMessages(context.Background(), model.GlobalRoomID, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != total {
		t.Fatalf("stored %d, want %d", len(stored), total)
	}
	for i := range stored {
		if stored[i].ID != seen[i] {
			t.Fatalf("position %d: broadcast %s, stored %s", i, seen[i], stored[i].ID)
		}
	}
}

func TestHistoryIsQueuedBeforeConcurrentPost(t *testing.T) {
	e := newTestEnv(t, nil)
	bob, _ := e.store.GetByID(context.Background(), "bob")
	posted := make(chan error, 1)
	hook := func() {
		go func() {
			_, err := e.hub.PostMessage(context.Background(), bob, model.GlobalRoomID, "racing")
			posted <- err
		}()
		// give the post time to reach the room lock
		time.Sleep(50 * time.Millisecond)
	}
	e.store.beforeRecent.Store(&hook)

	alice, history := e.connect(t, "alice")
	if len(history) != 0 {
		t.Fatalf("history already holds the concurrent post: %+v", history)
	}
	if m := readMessage(t, alice); m.Content != "racing" {
		t.Fatalf("got %+v", m)
	}
	if err := <-posted; err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestFailedRelayDoesNotHoldTheKey(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	send(t, alice, IncomingMessage{Type: EventSendMessage, ID: "late"})
	if got := readError(t, alice); got != "message not found" {
		t.Fatalf("got %q", got)
	}

	// the message shows up within the window, e.g. a slow REST write
	if _, err := e.store.Store.AppendMessage(context.Background(), model.GlobalRoomID, &model.Message{ID: "late", SenderID: "alice", Content: "finally"}); err != nil {
		t.Fatal(err)
	}
	send(t, alice, IncomingMessage{Type: EventSendMessage, ID: "late"})
	if m := readMessage(t, bob); m.ID != "late" || m.Content != "finally" {
		t.Fatalf("relay was swallowed: %+v", m)
	}
}
