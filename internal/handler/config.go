package handler

import (
	"net/http"
	"sort"

	"github.com/notehub/chat/internal/service"
)

// PushKeys — публичная часть настроек Web Push (реализует *push.Notifier).
type PushKeys interface {
	Enabled() bool
	PublicKey() string
}

// ConfigHandler отдаёт публичные параметры клиенту (без авторизации).
type ConfigHandler struct {
	push PushKeys
}

// NewConfigHandler создаёт обработчик конфигурации.
func NewConfigHandler(push PushKeys) *ConfigHandler {
	return &ConfigHandler{push: push}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.push == nil || !h.push.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":        true,
		"vapidPublicKey": h.push.PublicKey(),
	})
}

// GetChatConfig возвращает лимиты и список тем, которые проверяет сервер.
func (h *ConfigHandler) GetChatConfig(w http.ResponseWriter, r *http.Request) {
	themes := make([]string, 0, len(service.Themes))
	for t := range service.Themes {
		themes = append(themes, t)
	}
	sort.Strings(themes)
	writeJSON(w, http.StatusOK, map[string]any{
		"themes":           themes,
		"maxMessageLength": service.MaxBodyLength,
		"pageSize":         service.DefaultPageSize,
		"maxPageSize":      service.MaxPageSize,
	})
}
