package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/skillsync/internal/ids"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/model"
)

const messageSelect = `SELECT m.id, m.room_id, m.sender_id, u.name, u.profile_picture, m.content, m.created_at
	FROM chat_messages m
	JOIN users u ON u.id = m.sender_id`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	if err := s.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Sender.Name, &m.Sender.ProfilePicture, &m.Content, &m.Timestamp); err != nil {
		return err
	}
	m.Sender.ID = m.SenderID
	return nil
}

// AppendMessage persists m at the end of the room's sequence. The ID and the
// timestamp are assigned here when unset. A missing non-direct room is
// created; posting to the global room makes the sender a participant.
func (r *ChatRepository) AppendMessage(ctx context.Context, roomID string, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	if strings.TrimSpace(m.Content) == "" || m.SenderID == "" {
		return nil, fmt.Errorf("msgRepo.Append: empty content or sender")
	}
	out := *m
	out.RoomID = roomID
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if out.ID == "" {
		out.ID = ids.NewMessageID(out.Timestamp)
	}
	out.Sender.ID = out.SenderID

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if !model.IsDirectRoomID(roomID) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_rooms (id, room_type, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
				roomID, model.RoomTypeOf(roomID), out.Timestamp,
			); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_room_participants (room_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				roomID, out.SenderID, out.Timestamp,
			); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE chat_rooms SET last_message_at = $1 WHERE id = $2`, out.Timestamp, roomID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_messages (id, room_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			out.ID, roomID, out.SenderID, out.Content, out.Timestamp,
		)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append: %w", err)
	}
	return &out, nil
}

// RecentMessages returns the last limit messages of a room, oldest first.
func (r *ChatRepository) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Recent", time.Now())()
	limit = ClampLimit(limit)
	rows, err := r.pool.Query(ctx,
		messageSelect+`
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2`, roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Recent query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.Recent scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Recent rows: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage loads one message of a room.
func (r *ChatRepository) GetMessage(ctx context.Context, roomID, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx, messageSelect+` WHERE m.room_id = $1 AND m.id = $2`, roomID, messageID), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Get: %w", err)
	}
	return m, nil
}
