package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"botdeck/internal/channel"
	"botdeck/internal/storage"
	"botdeck/internal/wa"
)

// HubEvents forwards WhatsApp session updates to the dashboards bound to each auth id.
type HubEvents struct {
	Hub   *channel.Hub
	Store *storage.Store
	Log   zerolog.Logger
}

var _ wa.Events = (*HubEvents)(nil)

func NewEvents(hub *channel.Hub, store *storage.Store, log zerolog.Logger) *HubEvents {
	return &HubEvents{Hub: hub, Store: store, Log: log.With().Str("component", "events").Logger()}
}

func (e *HubEvents) QR(authID, attemptID, code string) {
	e.emit(authID, channel.EventQR, map[string]string{"qr": code, "attemptId": attemptID})
}

func (e *HubEvents) PairingCode(authID, attemptID, code string) {
	e.emit(authID, channel.EventQR, map[string]string{"pairingCode": code, "attemptId": attemptID})
}

func (e *HubEvents) Status(authID, attemptID, status, message string) {
	e.emit(authID, channel.EventRegistrationStatus, map[string]string{
		"status":    status,
		"message":   message,
		"attemptId": attemptID,
	})
	if status != "error" {
		return
	}
	e.emit(authID, channel.EventBotError, map[string]string{"message": message})
	if e.Store == nil {
		return
	}
	id, err := e.Store.AddNotification(authID, message)
	if err != nil {
		e.Log.Warn().Err(err).Str("auth_id", authID).Msg("store notification")
		return
	}
	e.emit(authID, channel.EventUserNotification, map[string]any{"id": id, "message": message})
}

func (e *HubEvents) Clear(authID, attemptID string) {
	e.emit(authID, channel.EventQRClear, map[string]string{"attemptId": attemptID})
}

func (e *HubEvents) emit(authID, event string, payload any) {
	if n := e.Hub.Emit(authID, event, payload); n == 0 {
		e.Log.Debug().Str("auth_id", authID).Str("event", event).Msg("no dashboard connected")
	}
}

type socketReq struct {
	PhoneNumber string `json:"phoneNumber"`
	AuthID      string `json:"authId"`
	AttemptID   string `json:"attemptId"`
}

// authorized reports whether the request may act for req.AuthID on this connection.
func authorized(c *channel.Conn, req socketReq) bool {
	bound := c.AuthID()
	return req.AuthID != "" && (bound == "" || bound == req.AuthID)
}

func (a *API) socketHandlers() {
	a.Hub.Handle(channel.EventRequestNewCode, func(c *channel.Conn, data json.RawMessage) {
		var req socketReq
		if err := json.Unmarshal(data, &req); err != nil || !authorized(c, req) {
			a.log.Warn().Msg("request-new-code: rejected payload")
			return
		}
		go a.requestNewCode(c, req)
	})
	a.Hub.Handle(channel.EventCancelDeployment, func(c *channel.Conn, data json.RawMessage) {
		var req socketReq
		if err := json.Unmarshal(data, &req); err != nil || req.PhoneNumber == "" || !authorized(c, req) {
			a.log.Warn().Msg("cancel-deployment: rejected payload")
			return
		}
		if err := a.cancelDeployment(req.PhoneNumber, req.AuthID); err != nil && !errors.Is(err, wa.ErrNoSession) {
			a.log.Warn().Err(err).Str("phone", req.PhoneNumber).Msg("cancel-deployment")
		}
	})
}

func (a *API) requestNewCode(c *channel.Conn, req socketReq) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := a.Sessions.RequestNewCode(ctx, req.PhoneNumber, req.AuthID)
	if err == nil {
		return
	}
	a.log.Warn().Err(err).Str("phone", req.PhoneNumber).Msg("request-new-code")
	_ = c.Send(channel.EventRegistrationStatus, map[string]string{
		"status":    "info",
		"message":   "Could not generate a new code: " + err.Error(),
		"attemptId": req.AttemptID,
	})
}
