package handler

import (
	"net/http"

	"github.com/skillsync/internal/config"
)

// ConfigHandler exposes the client-facing realtime parameters.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type realtimeConfigResponse struct {
	HistoryLimit     int    `json:"historyLimit"`
	DedupTTLMillis   int64  `json:"dedupTtlMs"`
	MaxContentLength int    `json:"maxContentLength"`
	PushEnabled      bool   `json:"pushEnabled"`
	VAPIDPublicKey   string `json:"vapidPublicKey,omitempty"`
}

// GetRealtimeConfig needs no authentication.
func (h *ConfigHandler) GetRealtimeConfig(w http.ResponseWriter, r *http.Request) {
	pushEnabled := h.cfg.PushServiceURL != "" && h.cfg.PushVAPIDPublicKey != ""
	resp := realtimeConfigResponse{
		HistoryLimit:     h.cfg.Realtime.HistoryLimit,
		DedupTTLMillis:   h.cfg.Realtime.DedupTTL.Milliseconds(),
		MaxContentLength: h.cfg.Realtime.MaxContentLength,
		PushEnabled:      pushEnabled,
	}
	if pushEnabled {
		resp.VAPIDPublicKey = h.cfg.PushVAPIDPublicKey
	}
	writeJSON(w, http.StatusOK, resp)
}
