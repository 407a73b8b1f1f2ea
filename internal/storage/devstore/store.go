// Package devstore keeps users, rooms and messages in process memory. It backs
// the -memory mode of services/api and the gateway tests; nothing survives a
// restart.
package devstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skillsync/internal/ids"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/repository"
)

const maxMessagesPerRoom = 10_000

type room struct {
	model.ChatRoom
	msgs []model.Message
}

// Store implements the chat store and the presence store.
type Store struct {
	mu    sync.RWMutex
	users map[string]*model.User
	rooms map[string]*room
	now   func() time.Time
}

func New() *Store {
	return &Store{
		users: make(map[string]*model.User),
		rooms: make(map[string]*room),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

// Create adds or replaces a user.
func (s *Store) Create(ctx context.Context, u *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ID == "" {
		return errors.New("devstore: user id required")
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.mu.Lock()
	s.users[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return s.updateUser(ctx, userID, func(u *model.User) { u.IsOnline = true })
}

func (s *Store) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	return s.updateUser(ctx, userID, func(u *model.User) {
		u.IsOnline = false
		u.LastSeen = lastSeen
	})
}

func (s *Store) ResetOnline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, u := range s.users {
		u.IsOnline = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) updateUser(ctx context.Context, userID string, fn func(*model.User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	return nil
}

// roomLocked returns the room, creating non-direct rooms on demand.
// Caller holds s.mu for writing.
func (s *Store) roomLocked(roomID string, create bool) *room {
	r := s.rooms[roomID]
	if r != nil || !create || model.IsDirectRoomID(roomID) {
		return r
	}
	r = &room{ChatRoom: model.ChatRoom{
		ID:           roomID,
		Type:         model.RoomTypeOf(roomID),
		Participants: []string{},
		CreatedAt:    s.now(),
	}}
	s.rooms[roomID] = r
	return r
}

func (r *room) snapshot() *model.ChatRoom {
	c := r.ChatRoom
	c.Participants = append([]string(nil), r.Participants...)
	if r.LastMessageAt != nil {
		t := *r.LastMessageAt
		c.LastMessageAt = &t
	}
	c.Messages = nil
	return &c
}

func (s *Store) FindOrCreateRoom(ctx context.Context, roomID string) (*model.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID, true)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	return r.snapshot(), nil
}

func (s *Store) FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	roomID, err := model.DirectRoomID(userA, userB)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		r = &room{ChatRoom: model.ChatRoom{
			ID:           roomID,
			Type:         model.RoomTypeDirect,
			Participants: []string{strings.TrimSpace(userA), strings.TrimSpace(userB)},
			CreatedAt:    s.now(),
		}}
		s.rooms[roomID] = r
	}
	return r.snapshot(), nil
}

func (s *Store) AppendMessage(ctx context.Context, roomID string, m *model.Message) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.Content) == "" || m.SenderID == "" {
		return nil, errors.New("devstore: empty content or sender")
	}
	out := *m
	out.RoomID = roomID
	if out.Timestamp.IsZero() {
		out.Timestamp = s.now()
	}
	if out.ID == "" {
		out.ID = ids.NewMessageID(out.Timestamp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID, true)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	if u, ok := s.users[out.SenderID]; ok {
		out.Sender = u.ToSender()
	} else {
		out.Sender.ID = out.SenderID
	}
	if r.Type == model.RoomTypeGlobal && !r.HasParticipant(out.SenderID) {
		r.Participants = append(r.Participants, out.SenderID)
	}
	ts := out.Timestamp
	r.LastMessageAt = &ts
	r.msgs = append(r.msgs, out)
	if len(r.msgs) > maxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-maxMessagesPerRoom:]
	}
	return &out, nil
}

func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = repository.ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rooms[roomID]
	if r == nil {
		return []model.Message{}, nil
	}
	start := len(r.msgs) - limit
	if start < 0 {
		start = 0
	}
	return append([]model.Message{}, r.msgs[start:]...), nil
}

func (s *Store) GetMessage(ctx context.Context, roomID, messageID string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.rooms[roomID]; r != nil {
		for i := len(r.msgs) - 1; i >= 0; i-- {
			if r.msgs[i].ID == messageID {
				m := r.msgs[i]
				return &m, nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) FindRoomsForUser(ctx context.Context, userID string) ([]model.ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.ChatRoom, 0, 8)
	for _, r := range s.rooms {
		if r.Type == model.RoomTypeDirect && r.HasParticipant(userID) {
			out = append(out, *r.snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(&out[i]), activity(&out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func activity(c *model.ChatRoom) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) GetRoom(ctx context.Context, roomID string, limit int) (*model.ChatRoom, error) {
	s.mu.RLock()
	r := s.rooms[roomID]
	var c *model.ChatRoom
	if r != nil {
		c = r.snapshot()
	}
	s.mu.RUnlock()
	if c == nil {
		return nil, repository.ErrNotFound
	}
	msgs, err := s.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs
	return c, nil
}
