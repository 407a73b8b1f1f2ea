package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillsync/internal/auth"
	"github.com/skillsync/internal/config"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/middleware"
	"github.com/skillsync/internal/repository"
	"github.com/skillsync/internal/ws"
)

// bearerProtocolPrefix lets browsers, which cannot set headers on a
// WebSocket, pass the token as Sec-WebSocket-Protocol "bearer.<token>".
const bearerProtocolPrefix = "bearer."

type WSHandler struct {
	hub            *ws.Hub
	verifier       middleware.TokenVerifier
	users          UserReader
	allowedOrigins []string
}

func NewWSHandler(hub *ws.Hub, verifier middleware.TokenVerifier, users UserReader, allowedOrigins []string) *WSHandler {
	return &WSHandler{hub: hub, verifier: verifier, users: users, allowedOrigins: allowedOrigins}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 || config.AllowsAnyOrigin(h.allowedOrigins) {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// non-browser clients send no Origin
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// credential returns the token and, when it came as a subprotocol, the
// protocol value to echo back in the upgrade response.
func credential(r *http.Request) (token, protocol string) {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, ""
	}
	if t := auth.BearerToken(r.Header.Get("Authorization")); t != "" {
		return t, ""
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, bearerProtocolPrefix) {
			return strings.TrimPrefix(p, bearerProtocolPrefix), p
		}
	}
	return "", ""
}

// ServeWS authenticates the handshake and only then upgrades. Every failure
// is a plain HTTP error: no socket, no hub registration.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	token, protocol := credential(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		logger.Debugf("ws handshake rejected token=%s: %v", middleware.MaskToken(token), err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.users.GetByID(r.Context(), claims.UserID())
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Errorf("ws handshake user=%s: %v", claims.UserID(), err)
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.hub.Full() {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if protocol != "" {
		upgrader.Subprotocols = []string{protocol}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, user)
	if err := h.hub.Connect(ctx, client); err != nil {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	client.Start(ctx, cancel)
}
