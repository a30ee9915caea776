// Package apiclient talks to the bot load-manager REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botdeck/internal/model"
)

// Client is a thin JSON client for the backend endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

// New returns a Client with a bounded HTTP timeout.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log.With().Str("component", "apiclient").Logger(),
	}
}

// StatusError is returned for any non-2xx response. Body holds the decoded
// JSON payload when the response carried one.
type StatusError struct {
	Code int
	Path string
	Body map[string]any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Path, e.Code, e.Message())
}

// Message picks the most specific human-readable reason from the payload:
// error, then details, then message, then a fixed fallback.
func (e *StatusError) Message() string {
	for _, key := range []string{"error", "details", "message"} {
		if v, ok := e.Body[key]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return "Unknown error"
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// do sends body as JSON (when non-nil) and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Path: path}
		_ = json.Unmarshal(raw, &se.Body) // non-JSON error bodies fall back to the generic message
		c.Log.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("request rejected")
		return se
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ValidateToken checks that authID still holds a valid token.
func (c *Client) ValidateToken(ctx context.Context, authID string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/validate-token", map[string]string{"authId": authID}, nil)
}

// StartSessionRequest is the body of POST /api/start-session.
type StartSessionRequest struct {
	PhoneNumber   string              `json:"phoneNumber"`
	AuthID        string              `json:"authId"`
	PairingMethod model.PairingMethod `json:"pairingMethod"`
	AttemptID     string              `json:"attemptId,omitempty"`
}

// StartSession asks the backend to spin up a pairing session. The pairing
// artifact arrives later on the channel, not in the response.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) error {
	return c.do(ctx, http.MethodPost, "/api/start-session", req, nil)
}

// Notify stores a notification for the user.
func (c *Client) Notify(ctx context.Context, authID, message string) error {
	return c.do(ctx, http.MethodPost, "/api/user/notifications", map[string]string{"message": message, "authId": authID}, nil)
}

// Rescan is the response of GET /api/user/rescan-qr/:phoneNumber.
type Rescan struct {
	QRCode string `json:"qrCode"`
	// AttemptID tags the pending session's events on the channel.
	AttemptID string `json:"attemptId,omitempty"`
}

// RescanQR fetches a fresh QR image (data URL) for an existing deployment.
func (c *Client) RescanQR(ctx context.Context, phoneNumber string) (Rescan, error) {
	var out Rescan
	err := c.do(ctx, http.MethodGet, "/api/user/rescan-qr/"+url.PathEscape(phoneNumber), nil, &out)
	return out, err
}

// CancelDeployment is the out-of-band cancellation used when the client goes away.
func (c *Client) CancelDeployment(ctx context.Context, phoneNumber, authID string) error {
	return c.do(ctx, http.MethodPost, "/api/cancel-deployment", map[string]string{"phoneNumber": phoneNumber, "authId": authID}, nil)
}

// BotInfo lists the bots deployed for authID.
func (c *Client) BotInfo(ctx context.Context, authID string) ([]model.Bot, error) {
	var out struct {
		Bots []model.Bot `json:"bots"`
	}
	err := c.do(ctx, http.MethodGet, "/api/user/bot-info?authId="+url.QueryEscape(authID), nil, &out)
	return out.Bots, err
}

// RestartBot reconnects a paired bot.
func (c *Client) RestartBot(ctx context.Context, phoneNumber, authID string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/restart-bot/"+url.PathEscape(phoneNumber), map[string]string{"authId": authID}, nil)
}

// LoadSession starts a stopped bot from its paired device.
func (c *Client) LoadSession(ctx context.Context, phoneNumber, authID string) error {
	return c.do(ctx, http.MethodPost, "/api/user/load-session/"+url.PathEscape(phoneNumber), map[string]string{"authId": authID}, nil)
}

// DeleteBot logs the bot out and removes it.
func (c *Client) DeleteBot(ctx context.Context, phoneNumber, authID string) error {
	return c.do(ctx, http.MethodDelete, "/api/auth/delete-bot/"+url.PathEscape(phoneNumber), map[string]string{"authId": authID}, nil)
}

// Notifications lists notifications for authID, newest first.
func (c *Client) Notifications(ctx context.Context, authID string) ([]model.Notification, error) {
	var out struct {
		Notifications []model.Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, "/api/user/notifications?authId="+url.QueryEscape(authID), nil, &out)
	return out.Notifications, err
}

// MarkNotificationRead flags one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/user/notifications/"+url.PathEscape(id)+"/mark-read", nil, nil)
}

// BotsStatus lists every bot known to the backend (admin).
func (c *Client) BotsStatus(ctx context.Context) ([]model.Bot, error) {
	var out struct {
		Bots []model.Bot `json:"bots"`
	}
	err := c.do(ctx, http.MethodGet, "/api/admin/bots-status", nil, &out)
	return out.Bots, err
}

// StopBot disconnects a bot without deleting it (admin).
func (c *Client) StopBot(ctx context.Context, phoneNumber string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/stop-bot/"+url.PathEscape(phoneNumber), nil, nil)
}

func (c *Client) AdminStartBot(ctx context.Context, phoneNumber string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/start-bot/"+url.PathEscape(phoneNumber), nil, nil)
}

func (c *Client) AdminRestartBot(ctx context.Context, phoneNumber string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/restart-bot/"+url.PathEscape(phoneNumber), nil, nil)
}

// Broadcast is the result of an admin notification to all users.
type Broadcast struct {
	Users     int `json:"users"`
	Delivered int `json:"delivered"`
}

// SendNotification notifies every user (admin).
func (c *Client) SendNotification(ctx context.Context, message string) (Broadcast, error) {
	var out Broadcast
	err := c.do(ctx, http.MethodPost, "/api/admin/send-notification", map[string]string{"message": message}, &out)
	return out, err
}

// SendUserNotification notifies one user (admin).
func (c *Client) SendUserNotification(ctx context.Context, authID, message string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/send-user-notification", map[string]string{"authId": authID, "message": message}, nil)
}

// GenerateToken issues or renews a token for authID (admin). A zero ttl uses the server default.
func (c *Client) GenerateToken(ctx context.Context, authID string, ttl time.Duration) (model.Token, error) {
	body := map[string]any{"authId": authID}
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	var out model.Token
	err := c.do(ctx, http.MethodPost, "/api/admin/generate-token", body, &out)
	return out, err
}
