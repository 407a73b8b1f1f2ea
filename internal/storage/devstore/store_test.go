package devstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/repository"
)

func seed(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.Create(context.Background(), &model.User{ID: id, Name: "user " + id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestAppendAndRecentAreChronological(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a")

	for i := 0; i < 60; i++ {
		if _, err := s.AppendMessage(ctx, model.GlobalRoomID, &model.Message{SenderID: "a", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := s.RecentMessages(ctx, model.GlobalRoomID, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("expected default limit 50, got %d", len(got))
	}
	if got[0].Content != "m10" || got[49].Content != "m59" {
		t.Fatalf("unexpected window: first=%q last=%q", got[0].Content, got[49].Content)
	}
	if got[0].Sender.Name != "user a" {
		t.Fatalf("sender not denormalized: %+v", got[0].Sender)
	}
	room, err := s.FindOrCreateRoom(ctx, model.GlobalRoomID)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if !room.HasParticipant("a") || room.LastMessageAt == nil {
		t.Fatalf("room not updated: %+v", room)
	}
}

func TestRecentMessagesUnknownRoomIsEmpty(t *testing.T) {
	got, err := New().RecentMessages(context.Background(), "nowhere", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	if _, err := New().AppendMessage(context.Background(), model.GlobalRoomID, &model.Message{SenderID: "a", Content: "  "}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDirectRoomIsDeterministic(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "b")

	r1, err := s.FindOrCreateDirectRoom(ctx, "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := s.FindOrCreateDirectRoom(ctx, "b", "a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if r1.ID != r2.ID || len(r2.Participants) != 2 {
		t.Fatalf("rooms differ: %+v %+v", r1, r2)
	}
	if _, err := s.FindOrCreateDirectRoom(ctx, "a", "a"); !errors.Is(err, model.ErrSelfDirectRoom) {
		t.Fatalf("self room: %v", err)
	}
	if _, err := s.FindOrCreateRoom(ctx, "dm_x_y"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown direct room should not be created lazily: %v", err)
	}
}

func TestFindRoomsForUserMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", "b", "c")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ab, _ := s.FindOrCreateDirectRoom(ctx, "a", "b")
	ac, _ := s.FindOrCreateDirectRoom(ctx, "a", "c")
	if _, err := s.AppendMessage(ctx, ab.ID, &model.Message{SenderID: "a", Content: "old", Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, ac.ID, &model.Message{SenderID: "c", Content: "new", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, model.GlobalRoomID, &model.Message{SenderID: "a", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.FindRoomsForUser(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0].ID != ac.ID || rooms[1].ID != ab.ID {
		t.Fatalf("unexpected order: %+v", rooms)
	}
	rooms, _ = s.FindRoomsForUser(ctx, "b")
	if len(rooms) != 1 || rooms[0].ID != ab.ID {
		t.Fatalf("b rooms: %+v", rooms)
	}
}

func TestGetRoomAndMessage(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a")
	if _, err := s.GetRoom(ctx, "missing", 10); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing room: %v", err)
	}
	m, err := s.AppendMessage(ctx, model.GlobalRoomID, &model.Message{SenderID: "a", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	room, err := s.GetRoom(ctx, model.GlobalRoomID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(room.Messages) != 1 || room.Messages[0].ID != m.ID {
		t.Fatalf("messages: %+v", room.Messages)
	}
	got, err := s.GetMessage(ctx, model.GlobalRoomID, m.ID)
	if err != nil || got.Content != "hello" {
		t.Fatalf("get message: %+v %v", got, err)
	}
	if _, err := s.GetMessage(ctx, "other", m.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("wrong room: %v", err)
	}
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a")
	if err := s.SetOnline(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	u, _ := s.GetByID(ctx, "a")
	if !u.IsOnline {
		t.Fatal("expected online")
	}
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetOffline(ctx, "a", seen); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetByID(ctx, "a")
	if u.IsOnline || !u.LastSeen.Equal(seen) {
		t.Fatalf("unexpected presence: %+v", u)
	}
	if err := s.SetOnline(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("ghost: %v", err)
	}
}
