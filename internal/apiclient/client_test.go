package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botdeck/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second, zerolog.Nop())
}

func TestStatusError_MessagePriority(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"error wins", map[string]any{"error": "E", "details": "D", "message": "M"}, "E"},
		{"details before message", map[string]any{"details": "D", "message": "M"}, "D"},
		{"message only", map[string]any{"message": "M"}, "M"},
		{"empty error skipped", map[string]any{"error": "", "message": "M"}, "M"},
		{"fallback", map[string]any{}, "Unknown error"},
		{"nil body", nil, "Unknown error"},
		{"structured details", map[string]any{"details": map[string]any{"field": "phone"}}, `{"field":"phone"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &StatusError{Code: 400, Body: tt.body}
			if got := e.Message(); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateToken_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/validate-token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["authId"] != "auth-1" {
			t.Errorf("authId = %q, want auth-1", body["authId"])
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"expired"}`))
	})

	err := c.ValidateToken(context.Background(), "auth-1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ValidateToken err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized || se.Message() != "expired" {
		t.Errorf("StatusError = %d %q", se.Code, se.Message())
	}
}

func TestStartSession_SendsBody(t *testing.T) {
	var got StartSessionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/start-session" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := StartSessionRequest{PhoneNumber: "2348012345678", AuthID: "a", PairingMethod: model.MethodPairingCode, AttemptID: "att"}
	if err := c.StartSession(context.Background(), req); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got != req {
		t.Errorf("body = %+v, want %+v", got, req)
	}
}

func TestStartSession_NonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	err := c.StartSession(context.Background(), StartSessionRequest{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Message() != "Unknown error" {
		t.Errorf("Message() = %q, want fallback", se.Message())
	}
}

func TestTransportError_IsNotStatusError(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, zerolog.Nop())
	err := c.ValidateToken(context.Background(), "a")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("transport failure reported as StatusError: %v", err)
	}
}

func TestRescanQR(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/user/rescan-qr/2348012345678" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"qrCode":"data:image/png;base64,AAA","attemptId":"att-7"}`))
	})

	res, err := c.RescanQR(context.Background(), "2348012345678")
	if err != nil {
		t.Fatalf("RescanQR: %v", err)
	}
	if res.QRCode != "data:image/png;base64,AAA" || res.AttemptID != "att-7" {
		t.Errorf("rescan = %+v", res)
	}
}

func TestBotInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("authId") != "auth 1" {
			t.Errorf("authId query = %q", r.URL.Query().Get("authId"))
		}
		_, _ = w.Write([]byte(`{"bots":[{"phone_number":"1","status":"online"}]}`))
	})

	bots, err := c.BotInfo(context.Background(), "auth 1")
	if err != nil {
		t.Fatalf("BotInfo: %v", err)
	}
	if len(bots) != 1 || bots[0].Status != model.BotOnline {
		t.Errorf("bots = %+v", bots)
	}
}

func TestSendNotification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/admin/send-notification" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["message"] != "maintenance at noon" {
			t.Errorf("message = %q", body["message"])
		}
		_, _ = w.Write([]byte(`{"users":3,"delivered":1}`))
	})

	res, err := c.SendNotification(context.Background(), "maintenance at noon")
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if res.Users != 3 || res.Delivered != 1 {
		t.Errorf("broadcast = %+v", res)
	}
}
