package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"botdeck/internal/channel"
	"botdeck/internal/model"
	"botdeck/internal/phone"
	"botdeck/internal/storage"
	"botdeck/internal/wa"
)

// Sessions is the part of the WhatsApp manager the API drives.
type Sessions interface {
	Start(ctx context.Context, req wa.StartRequest) error
	LastQR(phone string) (code, attemptID string, ok bool)
	RequestNewCode(ctx context.Context, phone, authID string) error
	Cancel(phone, authID string) error
	Restart(ctx context.Context, phone string) error
	Stop(phone string) error
	Delete(ctx context.Context, phone string) error
}

type API struct {
	Store    *storage.Store
	Sessions Sessions
	Hub      *channel.Hub
	Router   *chi.Mux
	TokenTTL time.Duration

	log zerolog.Logger
	now func() time.Time
}

func NewRouter(store *storage.Store, sessions Sessions, hub *channel.Hub, tokenTTL time.Duration, log zerolog.Logger) *chi.Mux {
	if tokenTTL <= 0 {
		tokenTTL = 30 * 24 * time.Hour
	}
	api := &API{
		Store:    store,
		Sessions: sessions,
		Hub:      hub,
		Router:   chi.NewRouter(),
		TokenTTL: tokenTTL,
		log:      log.With().Str("component", "http").Logger(),
		now:      time.Now,
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(api.log))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api.routes()
	api.socketHandlers()
	return r
}

func (a *API) routes() {
	a.Router.Get("/socket", a.Hub.ServeHTTP)

	a.Router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/api/health", a.handleHealth)

		r.Post("/api/auth/validate-token", a.handleValidateToken)
		r.Post("/api/start-session", a.handleStartSession)
		r.Post("/api/cancel-deployment", a.handleCancelDeployment)

		// Dashboard
		r.Get("/api/user/bot-info", a.handleBotInfo)
		r.Get("/api/user/rescan-qr/{phoneNumber}", a.handleRescanQR)
		r.Post("/api/user/load-session/{phoneNumber}", a.handleLoadSession)
		r.Post("/api/auth/restart-bot/{phoneNumber}", a.handleRestartBot)
		r.Delete("/api/auth/delete-bot/{phoneNumber}", a.handleDeleteBot)

		// Notifications
		r.Post("/api/user/notifications", a.handleAddNotification)
		r.Get("/api/user/notifications", a.handleListNotifications)
		r.Post("/api/user/notifications/{id}/mark-read", a.handleMarkNotificationRead)

		// Admin
		r.Get("/api/admin/bots-status", a.handleBotsStatus)
		r.Post("/api/admin/stop-bot/{phoneNumber}", a.handleStopBot)
		r.Post("/api/admin/start-bot/{phoneNumber}", a.handleAdminStartBot)
		r.Post("/api/admin/restart-bot/{phoneNumber}", a.handleAdminRestartBot)
		r.Post("/api/admin/send-notification", a.handleSendNotification)
		r.Post("/api/admin/send-user-notification", a.handleSendUserNotification)
		r.Post("/api/admin/generate-token", a.handleGenerateToken)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": a.now().Format(time.RFC3339),
	})
}

type authReq struct {
	AuthID string `json:"authId"`
}

func (a *API) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req authReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AuthID == "" {
		writeMessage(w, http.StatusBadRequest, "authId required")
		return
	}
	ok, reason, err := a.Store.TokenValid(req.AuthID, a.now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeMessage(w, http.StatusUnauthorized, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type startSessionReq struct {
	PhoneNumber   string              `json:"phoneNumber"`
	AuthID        string              `json:"authId"`
	PairingMethod model.PairingMethod `json:"pairingMethod"`
	AttemptID     string              `json:"attemptId"`
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AuthID == "" {
		writeErr(w, http.StatusBadRequest, "authId required")
		return
	}
	if req.PairingMethod == "" {
		req.PairingMethod = model.MethodQR
	}
	if !req.PairingMethod.Valid() {
		writeErr(w, http.StatusBadRequest, "unsupported pairingMethod")
		return
	}
	number, err := phone.Canonical(req.PhoneNumber)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid phone number")
		return
	}
	ok, reason, err := a.Store.TokenValid(req.AuthID, a.now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusUnauthorized, reason)
		return
	}
	if bot, err := a.Store.GetBot(number); err == nil && bot.AuthID != req.AuthID {
		writeErr(w, http.StatusConflict, "This number is already deployed by another user")
		return
	}
	if err := a.Store.UpsertBot(number, req.AuthID, req.PairingMethod); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.setStatus(number, model.BotPairing, "")
	err = a.Sessions.Start(r.Context(), wa.StartRequest{
		PhoneNumber: number,
		AuthID:      req.AuthID,
		Method:      req.PairingMethod,
		AttemptID:   req.AttemptID,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("phone", number).Msg("start session failed")
		a.setStatus(number, model.BotFailed, err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Failed to start session",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Session started", "phoneNumber": number})
}

type deploymentReq struct {
	PhoneNumber string `json:"phoneNumber"`
	AuthID      string `json:"authId"`
}

// handleCancelDeployment also serves beacon-style requests, which may arrive
// with a text/plain content type.
func (a *API) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req deploymentReq
	if err := json.Unmarshal(body, &req); err != nil || req.PhoneNumber == "" {
		writeErr(w, http.StatusBadRequest, "phoneNumber required")
		return
	}
	if err := a.cancelDeployment(req.PhoneNumber, req.AuthID); err != nil {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (a *API) cancelDeployment(number, authID string) error {
	if n, err := phone.Canonical(number); err == nil {
		number = n
	}
	return a.Sessions.Cancel(number, authID)
}

func (a *API) handleBotInfo(w http.ResponseWriter, r *http.Request) {
	authID := r.URL.Query().Get("authId")
	if authID == "" {
		writeErr(w, http.StatusBadRequest, "authId required")
		return
	}
	bots, err := a.Store.ListBots(authID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (a *API) handleRescanQR(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "phoneNumber")
	if _, err := a.Store.GetBot(number); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Bot not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	code, attemptID, ok := a.Sessions.LastQR(number)
	if !ok {
		writeMessage(w, http.StatusNotFound, "No QR code is pending for this bot. Start a new registration.")
		return
	}
	dataURL, err := qrDataURL(code)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	writeJSON(w, http.StatusOK, map[string]any{"qrCode": dataURL, "attemptId": attemptID})
}

// ownedBot loads the bot behind {phoneNumber} and checks it belongs to the
// authId in the request body. It writes the error response itself.
func (a *API) ownedBot(w http.ResponseWriter, r *http.Request) (model.Bot, bool) {
	var req authReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AuthID == "" {
		writeErr(w, http.StatusBadRequest, "authId required")
		return model.Bot{}, false
	}
	bot, err := a.Store.GetBot(chi.URLParam(r, "phoneNumber"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "bot not found")
		} else {
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return model.Bot{}, false
	}
	if bot.AuthID != req.AuthID {
		writeErr(w, http.StatusForbidden, "bot belongs to another user")
		return model.Bot{}, false
	}
	return bot, true
}

func (a *API) handleRestartBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := a.ownedBot(w, r)
	if !ok {
		return
	}
	if err := a.Sessions.Restart(r.Context(), bot.PhoneNumber); err != nil {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": bot.PhoneNumber})
}

// handleLoadSession reconnects a stopped bot from its stored device.
func (a *API) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	bot, ok := a.ownedBot(w, r)
	if !ok {
		return
	}
	if err := a.Sessions.Restart(r.Context(), bot.PhoneNumber); err != nil {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Bot started", "phoneNumber": bot.PhoneNumber})
}

func (a *API) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := a.ownedBot(w, r)
	if !ok {
		return
	}
	if err := a.Sessions.Delete(r.Context(), bot.PhoneNumber); err != nil {
		writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": bot.PhoneNumber})
}

func (a *API) setStatus(number, status, lastErr string) {
	if err := a.Store.UpdateBotStatus(number, status, lastErr); err != nil {
		a.log.Warn().Err(err).Str("phone", number).Str("status", status).Msg("update bot status")
	}
}

func writeSessionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wa.ErrNoSession), errors.Is(err, wa.ErrDeviceNotPaired), errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, wa.ErrNotOwner):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, wa.ErrWrongMethod):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeMessage is the error shape of the token and rescan endpoints.
func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("writeJSON")
	}
}
