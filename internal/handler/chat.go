package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/middleware"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/repository"
	"github.com/skillsync/internal/ws"
)

// ChatReader is the read side of the chat store used by the REST surface.
type ChatReader interface {
	FindRoomsForUser(ctx context.Context, userID string) ([]model.ChatRoom, error)
	FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.ChatRoom, error)
	GetRoom(ctx context.Context, roomID string, limit int) (*model.ChatRoom, error)
}

// UserReader resolves users by id.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type ChatHandler struct {
	chats        ChatReader
	users        UserReader
	hub          *ws.Hub
	historyLimit int
}

func NewChatHandler(chats ChatReader, users UserReader, hub *ws.Hub, historyLimit int) *ChatHandler {
	return &ChatHandler{chats: chats, users: users, hub: hub, historyLimit: historyLimit}
}

// GetUserChats lists the caller's direct rooms, most recent activity first.
func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	rooms, err := h.chats.FindRoomsForUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("chat list user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load chats")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GetChat returns one room with its recent messages. The global room is
// readable by everyone, a direct room only by its participants.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roomID := chi.URLParam(r, "chatId")
	room, err := h.chats.GetRoom(r.Context(), roomID, queryInt(r, "limit", h.historyLimit))
	if errors.Is(err, repository.ErrNotFound) {
		if roomID == model.GlobalRoomID {
			writeJSON(w, http.StatusOK, model.ChatRoom{ID: roomID, Type: model.RoomTypeGlobal, Participants: []string{}, Messages: []model.Message{}})
			return
		}
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		logger.Errorf("chat get room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if room.Type == model.RoomTypeDirect && !room.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if room.Messages == nil {
		room.Messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, room)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage persists a message and broadcasts it to the room's live
// subscribers, the same way a socket send does.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roomID := chi.URLParam(r, "chatId")
	var req postMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sender, err := h.users.GetByID(r.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	if err != nil {
		logger.Errorf("chat post user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	msg, err := h.hub.PostMessage(r.Context(), sender, roomID, req.Content)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, msg)
	case errors.Is(err, ws.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ws.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ws.ErrUnknownRoom):
		writeError(w, http.StatusNotFound, "chat not found")
	default:
		logger.Errorf("chat post room=%s user=%s: %v", roomID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
	}
}

type directChatRequest struct {
	UserID string `json:"userId"`
}

// CreateDirectChat finds or creates the direct room between the caller and
// userId: 200 when it existed, 201 when created.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req directChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	peerID := strings.TrimSpace(req.UserID)
	roomID, err := model.DirectRoomID(userID, peerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot create chat with yourself")
		return
	}
	if _, err := h.users.GetByID(r.Context(), peerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.Errorf("chat direct peer=%s: %v", peerID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	status := http.StatusOK
	if _, err := h.chats.GetRoom(r.Context(), roomID, 1); errors.Is(err, repository.ErrNotFound) {
		status = http.StatusCreated
	}
	room, err := h.chats.FindOrCreateDirectRoom(r.Context(), userID, peerID)
	if err != nil {
		logger.Errorf("chat direct user=%s peer=%s: %v", userID, peerID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, status, room)
}
