package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"botdeck/internal/channel"
	"botdeck/internal/storage"
	"botdeck/internal/wa"
)

type notificationReq struct {
	AuthID  string `json:"authId"`
	Message string `json:"message"`
}

func (a *API) handleAddNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AuthID == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "authId and message required")
		return
	}
	id, err := a.notify(req.AuthID, req.Message)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// notify stores a notification and pushes it to the user's open dashboards.
func (a *API) notify(authID, message string) (string, error) {
	id, err := a.Store.AddNotification(authID, message)
	if err != nil {
		return "", err
	}
	a.Hub.Emit(authID, channel.EventUserNotification, map[string]any{"id": id, "message": message})
	return id, nil
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	authID := r.URL.Query().Get("authId")
	if authID == "" {
		writeErr(w, http.StatusBadRequest, "authId required")
		return
	}
	list, err := a.Store.ListNotifications(authID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (a *API) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	found, err := a.Store.MarkNotificationRead(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": 1})
}

func (a *API) handleBotsStatus(w http.ResponseWriter, r *http.Request) {
	bots, err := a.Store.ListBots("")
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (a *API) handleStopBot(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "phoneNumber")
	if _, err := a.Store.GetBot(number); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "bot not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.Sessions.Stop(number); err != nil && !errors.Is(err, wa.ErrNoSession) {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": number})
}

func (a *API) handleAdminStartBot(w http.ResponseWriter, r *http.Request) {
	a.adminReconnect(w, r, "Bot started")
}

func (a *API) handleAdminRestartBot(w http.ResponseWriter, r *http.Request) {
	a.adminReconnect(w, r, "Bot restarted")
}

// adminReconnect reconnects any registered bot from its stored device.
func (a *API) adminReconnect(w http.ResponseWriter, r *http.Request, done string) {
	number := chi.URLParam(r, "phoneNumber")
	if _, err := a.Store.GetBot(number); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "bot not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.Sessions.Restart(r.Context(), number); err != nil {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": done, "phoneNumber": number})
}

// handleSendNotification stores a message for every known user and pushes it
// to all open dashboards.
func (a *API) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" {
		writeErr(w, http.StatusBadRequest, "message required")
		return
	}
	ids, err := a.Store.ListAuthIDs()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored := 0
	for _, authID := range ids {
		if _, err := a.Store.AddNotification(authID, req.Message); err != nil {
			a.log.Warn().Err(err).Str("auth_id", authID).Msg("store broadcast notification")
			continue
		}
		stored++
	}
	delivered := a.Hub.Broadcast(channel.EventUserNotification, map[string]any{"message": req.Message})
	a.log.Info().Int("users", stored).Int("connections", delivered).Msg("notification broadcast")
	writeJSON(w, http.StatusOK, map[string]any{"users": stored, "delivered": delivered})
}

func (a *API) handleSendUserNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AuthID == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "authId and message required")
		return
	}
	id, err := a.notify(req.AuthID, req.Message)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type generateTokenReq struct {
	AuthID string `json:"authId"`
	TTL    string `json:"ttl"`
}

func (a *API) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AuthID == "" {
		writeErr(w, http.StatusBadRequest, "authId required")
		return
	}
	ttl := a.TokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeErr(w, http.StatusBadRequest, "ttl must be a positive duration like 720h")
			return
		}
		ttl = d
	}
	tok, err := a.Store.IssueToken(req.AuthID, ttl)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// qrDataURL renders a WhatsApp QR payload as a PNG data URL.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
