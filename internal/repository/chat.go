package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/model"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ChatRepository is the persisted chat store: rooms, participants and the
// append-only message sequence of every room.
type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// ClampLimit maps a requested history size onto 1..MaxHistoryLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

const roomSelect = `SELECT r.id, r.room_type, r.last_message_at, r.created_at,
	ARRAY(SELECT p.user_id FROM chat_room_participants p WHERE p.room_id = r.id ORDER BY p.joined_at, p.user_id)
	FROM chat_rooms r`

func scanRoom(s interface{ Scan(dest ...any) error }, c *model.ChatRoom) error {
	return s.Scan(&c.ID, &c.Type, &c.LastMessageAt, &c.CreatedAt, &c.Participants)
}

func (r *ChatRepository) getRoom(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, roomID string) (*model.ChatRoom, error) {
	c := &model.ChatRoom{}
	if err := scanRoom(q.QueryRow(ctx, roomSelect+` WHERE r.id = $1`, roomID), c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindOrCreateRoom returns the room, creating it on first use. Direct rooms
// are only created through FindOrCreateDirectRoom, which knows the pair.
func (r *ChatRepository) FindOrCreateRoom(ctx context.Context, roomID string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("chat.FindOrCreateRoom", time.Now())()
	if model.IsDirectRoomID(roomID) {
		c, err := r.getRoom(ctx, r.pool, roomID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("chatRepo.FindOrCreateRoom: %w", err)
		}
		return c, err
	}
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO chat_rooms (id, room_type, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		roomID, model.RoomTypeOf(roomID), time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("chatRepo.FindOrCreateRoom insert: %w", err)
	}
	c, err := r.getRoom(ctx, r.pool, roomID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindOrCreateRoom: %w", err)
	}
	return c, nil
}

// FindOrCreateDirectRoom is deterministic: the same pair always maps to the
// same room regardless of argument order.
func (r *ChatRepository) FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("chat.FindOrCreateDirectRoom", time.Now())()
	roomID, err := model.DirectRoomID(userA, userB)
	if err != nil {
		return nil, err
	}
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	var room *model.ChatRoom
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_rooms (id, room_type, created_at) VALUES ($1, 'direct', $2) ON CONFLICT (id) DO NOTHING`,
			roomID, now,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_room_participants (room_id, user_id, joined_at)
			 VALUES ($1, $2, $4), ($1, $3, $4) ON CONFLICT DO NOTHING`,
			roomID, userA, userB, now,
		); err != nil {
			return err
		}
		var err error
		room, err = r.getRoom(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindOrCreateDirectRoom: %w", err)
	}
	return room, nil
}

// FindRoomsForUser lists the direct rooms of userID, most recent activity first.
func (r *ChatRepository) FindRoomsForUser(ctx context.Context, userID string) ([]model.ChatRoom, error) {
	defer logger.DeferLogDuration("chat.FindRoomsForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		roomSelect+`
		 JOIN chat_room_participants me ON me.room_id = r.id AND me.user_id = $1
		 WHERE r.room_type = 'direct'
		 ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindRoomsForUser query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.ChatRoom, 0, 16)
	for rows.Next() {
		var c model.ChatRoom
		if err := scanRoom(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.FindRoomsForUser scan: %w", err)
		}
		rooms = append(rooms, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.FindRoomsForUser rows: %w", err)
	}
	return rooms, nil
}

// GetRoom returns the room with its most recent messages populated.
func (r *ChatRepository) GetRoom(ctx context.Context, roomID string, limit int) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("chat.GetRoom", time.Now())()
	c, err := r.getRoom(ctx, r.pool, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetRoom: %w", err)
	}
	c.Messages, err = r.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	return c, nil
}
