// Package channel carries named JSON events between the dashboard client and
// the backend over a persistent WebSocket connection.
package channel

import (
	"encoding/json"
	"errors"
)

// Event names shared by client and server.
const (
	EventAuthID             = "authId"
	EventQR                 = "qr"
	EventRegistrationStatus = "registration-status"
	EventQRClear            = "qr-clear"
	EventRequestNewCode     = "request-new-code"
	EventCancelDeployment   = "cancel-deployment"
	EventBotError           = "bot-error"
	EventUserNotification   = "user-notification"
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("channel: not connected")

// Handler consumes the raw data of one event.
type Handler func(data json.RawMessage)

// Channel is the capability the pairing controller needs from the real-time transport.
// Delivery is at-most-once; handlers for one channel run one at a time in arrival order.
type Channel interface {
	Send(event string, payload any) error
	On(event string, h Handler)
}

// Envelope is the wire form of one event: a single JSON text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}

// Decode parses one frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errors.New("channel: frame without event name")
	}
	return env, nil
}
