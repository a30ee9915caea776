// Package pairing drives one bot registration attempt: phone validation, token
// pre-check, session start, and the pairing code or QR artifacts pushed back
// over the real-time channel.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botdeck/internal/apiclient"
	"botdeck/internal/channel"
	"botdeck/internal/model"
	"botdeck/internal/phone"
)

// User-visible status messages.
const (
	msgMissingAuth      = "Auth ID is missing. Please log in again."
	msgInvalidPhone     = "Please enter a valid phone number for the selected country."
	msgInvalidMethod    = "Please choose a pairing method."
	msgRegistered       = "Bot registered successfully! Waiting for QR code..."
	msgNetwork          = "Error registering bot. Please try again later."
	msgEnterCode        = "Enter this code in WhatsApp!"
	msgScanQR           = "Scan the QR code with WhatsApp!"
	msgNoArtifact       = "Failed to receive pairing code or QR code."
	msgRequestingCode   = "Requesting new code..."
	msgCodeUnsupported  = "Request New Code is only available for Pairing Code method."
	msgCancelled        = "Deployment cancelled."
	msgRescanFailed     = "Failed to fetch QR code."
	notifyTokenInvalid  = "Your token is invalid or expired. Please contact the developer to renew your token."
	notifyNetworkFailed = "An error occurred during bot registration. Please try again later."
)

// API is the part of the backend REST API the controller consumes.
type API interface {
	ValidateToken(ctx context.Context, authID string) error
	StartSession(ctx context.Context, req apiclient.StartSessionRequest) error
	Notify(ctx context.Context, authID, message string) error
	RescanQR(ctx context.Context, phoneNumber string) (apiclient.Rescan, error)
	CancelDeployment(ctx context.Context, phoneNumber, authID string) error
}

// State is a snapshot handed to observers after every change.
type State struct {
	Attempt  model.PairingAttempt
	Artifact *model.PairingArtifact
	Message  string
	Err      error
}

// Status is the attempt status, Idle when no attempt was made yet.
func (s State) Status() model.AttemptStatus {
	if s.Attempt.Status == "" {
		return model.AttemptIdle
	}
	return s.Attempt.Status
}

// Option configures a Controller.
type Option func(*Controller)

// WithRedirectDelay sets how long a success status waits before the handoff fires.
func WithRedirectDelay(d time.Duration) Option { return func(c *Controller) { c.redirectDelay = d } }

// WithHandoff sets the action run once after a successful registration.
func WithHandoff(fn func(State)) Option { return func(c *Controller) { c.handoff = fn } }

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l.With().Str("component", "pairing").Logger() }
}

// WithNotifyTimeout bounds each background notification request.
func WithNotifyTimeout(d time.Duration) Option { return func(c *Controller) { c.notifyTimeout = d } }

// WithUnloadTimeout bounds the out-of-band cancellation sent by OnUnload.
func WithUnloadTimeout(d time.Duration) Option { return func(c *Controller) { c.unloadTimeout = d } }

// Controller owns the lifecycle of the current pairing attempt.
type Controller struct {
	api API
	ch  channel.Channel
	log zerolog.Logger

	redirectDelay time.Duration
	notifyTimeout time.Duration
	unloadTimeout time.Duration
	handoff       func(State)

	mu        sync.Mutex
	attempt   *model.PairingAttempt
	artifact  *model.PairingArtifact
	message   string
	err       error
	timer     *time.Timer
	handedOff bool

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int

	bg sync.WaitGroup
}

// New builds a controller and registers its handlers on ch.
func New(api API, ch channel.Channel, opts ...Option) *Controller {
	c := &Controller{
		api:           api,
		ch:            ch,
		log:           zerolog.Nop(),
		redirectDelay: 2 * time.Second,
		notifyTimeout: 10 * time.Second,
		unloadTimeout: 3 * time.Second,
		observers:     make(map[int]func(State)),
	}
	for _, o := range opts {
		o(c)
	}
	ch.On(channel.EventQR, c.handleQR)
	ch.On(channel.EventRegistrationStatus, c.handleStatus)
	ch.On(channel.EventQRClear, c.handleClear)
	return c
}

// Subscribe registers fn for state changes. Observers must not block.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	s := State{Message: c.message, Err: c.err}
	if c.attempt != nil {
		s.Attempt = *c.attempt
	}
	if c.artifact != nil {
		a := *c.artifact
		s.Artifact = &a
	}
	return s
}

func (c *Controller) publish(s State) {
	c.obsMu.Lock()
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// unlockAndPublish releases mu and hands the resulting state to observers.
func (c *Controller) unlockAndPublish() {
	s := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(s)
}

// beginLocked replaces the active attempt; anything still addressed to the
// previous attempt is ignored from now on.
func (c *Controller) beginLocked(a model.PairingAttempt) string {
	c.stopTimerLocked()
	a.ID = uuid.NewString()
	a.Status = model.AttemptIdle
	a.CreatedAt = time.Now()
	c.attempt = &a
	c.artifact = nil
	c.message = ""
	c.err = nil
	c.handedOff = false
	return a.ID
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) advanceLocked(next model.AttemptStatus) bool {
	if c.attempt == nil || !c.attempt.Status.CanAdvance(next) {
		return false
	}
	c.attempt.Status = next
	return true
}

func (c *Controller) failLocked(err error, message string) {
	c.advanceLocked(model.AttemptFailed)
	c.artifact = nil
	c.err = err
	c.message = message
	c.stopTimerLocked()
}

// currentLocked reports whether id is still the live attempt.
func (c *Controller) currentLocked(id string) bool {
	return c.attempt != nil && c.attempt.ID == id && !c.attempt.Status.Terminal()
}

// Submit validates the input and starts a registration attempt. The pairing
// artifact arrives later on the channel; a nil error only means the backend
// accepted the session request.
func (c *Controller) Submit(ctx context.Context, rawPhone, countryCode string, method model.PairingMethod, authID string) error {
	c.mu.Lock()
	id := c.beginLocked(model.PairingAttempt{
		PhoneNumberRaw: rawPhone,
		CountryCode:    countryCode,
		PairingMethod:  method,
		AuthID:         authID,
	})
	if strings.TrimSpace(authID) == "" {
		c.failLocked(ErrMissingAuth, msgMissingAuth)
		c.unlockAndPublish()
		return ErrMissingAuth
	}
	if !method.Valid() {
		c.failLocked(ErrInvalidPairingMethod, msgInvalidMethod)
		c.unlockAndPublish()
		return ErrInvalidPairingMethod
	}
	normalized, err := phone.Normalize(rawPhone, countryCode)
	if err != nil {
		c.failLocked(ErrInvalidPhoneNumber, msgInvalidPhone)
		c.unlockAndPublish()
		return ErrInvalidPhoneNumber
	}
	c.attempt.NormalizedPhoneNumber = normalized
	c.advanceLocked(model.AttemptValidatingToken)
	c.unlockAndPublish()

	if err := c.ch.Send(channel.EventAuthID, authID); err != nil {
		c.log.Warn().Err(err).Msg("authId not delivered")
	}
	c.log.Info().Str("attempt", id).Str("phone", normalized).Str("method", string(method)).Msg("registering bot")

	if err := c.api.ValidateToken(ctx, authID); err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) {
			reason := se.Message()
			return c.abort(id, authID, fmt.Errorf("%w: %s", ErrTokenInvalid, reason), reason, notifyTokenInvalid)
		}
		return c.abort(id, authID, fmt.Errorf("%w: %v", ErrNetwork, err), msgNetwork, notifyNetworkFailed)
	}

	c.mu.Lock()
	if !c.currentLocked(id) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.mu.Unlock()

	err = c.api.StartSession(ctx, apiclient.StartSessionRequest{
		PhoneNumber:   normalized,
		AuthID:        authID,
		PairingMethod: method,
		AttemptID:     id,
	})
	if err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) {
			reason := se.Message()
			note := fmt.Sprintf("Failed to register bot for phone number +%s: %s", normalized, reason)
			return c.abort(id, authID, fmt.Errorf("%w: %s", ErrRegistrationRejected, reason), reason, note)
		}
		return c.abort(id, authID, fmt.Errorf("%w: %v", ErrNetwork, err), msgNetwork, notifyNetworkFailed)
	}

	c.mu.Lock()
	if !c.currentLocked(id) {
		cancelled := c.attempt != nil && c.attempt.ID == id && c.attempt.Status == model.AttemptCancelled
		c.mu.Unlock()
		if cancelled {
			// The session was started after the user cancelled; tear it down again.
			c.sendCancel(normalized, authID)
		}
		return ErrSuperseded
	}
	c.advanceLocked(model.AttemptAwaitingArtifact)
	if c.artifact == nil {
		c.message = msgRegistered
	}
	c.unlockAndPublish()
	c.log.Info().Str("attempt", id).Msg("session started, waiting for artifact")
	return nil
}

// abort fails attempt id (if it is still live), notifies the user in the
// background and returns err.
func (c *Controller) abort(id, authID string, err error, message, note string) error {
	c.log.Warn().Err(err).Str("attempt", id).Msg("registration failed")
	c.mu.Lock()
	if !c.currentLocked(id) {
		c.mu.Unlock()
		return err
	}
	c.failLocked(err, message)
	c.unlockAndPublish()
	c.notify(authID, note)
	return err
}

// notify posts a user notification without blocking the caller; failures are only logged.
func (c *Controller) notify(authID, message string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.api.Notify(ctx, authID, message); err != nil {
			c.log.Warn().Err(err).Msg("notification not sent")
			return
		}
		c.log.Debug().Msg("notification sent")
	}()
}

// ArtifactEvent is the payload of the qr channel event.
type ArtifactEvent struct {
	PairingCode string `json:"pairingCode,omitempty"`
	QR          string `json:"qr,omitempty"`
	AttemptID   string `json:"attemptId,omitempty"`
}

// StatusEvent is the payload of the registration-status channel event.
type StatusEvent struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	AttemptID string `json:"attemptId,omitempty"`
}

// acceptLocked reports whether an event tagged attemptID may touch the active
// attempt. Untagged events are attributed to the active attempt.
func (c *Controller) acceptLocked(attemptID string) bool {
	if c.attempt == nil || c.attempt.Status.Terminal() {
		return false
	}
	return attemptID == "" || attemptID == c.attempt.ID
}

// OnArtifact consumes a qr event.
func (c *Controller) OnArtifact(ev ArtifactEvent) {
	c.mu.Lock()
	if !c.acceptLocked(ev.AttemptID) {
		c.mu.Unlock()
		c.log.Debug().Str("attempt", ev.AttemptID).Msg("dropping stale artifact")
		return
	}
	switch {
	case ev.PairingCode != "":
		c.advanceLocked(model.AttemptAwaitingArtifact)
		c.artifact = &model.PairingArtifact{Kind: model.ArtifactCode, Value: ev.PairingCode}
		c.message = msgEnterCode
	case ev.QR != "":
		c.advanceLocked(model.AttemptAwaitingArtifact)
		c.artifact = &model.PairingArtifact{Kind: model.ArtifactImage, Value: ev.QR}
		c.message = msgScanQR
	default:
		c.failLocked(ErrArtifact, msgNoArtifact)
	}
	c.unlockAndPublish()
}

// OnStatusUpdate reflects a status pushed by the backend. A success status arms
// the handoff exactly once.
func (c *Controller) OnStatusUpdate(ev StatusEvent) {
	c.mu.Lock()
	if !c.acceptLocked(ev.AttemptID) {
		c.mu.Unlock()
		c.log.Debug().Str("status", ev.Status).Msg("dropping stale status")
		return
	}
	c.log.Info().Str("status", ev.Status).Str("message", ev.Message).Msg("registration status")
	switch strings.ToLower(ev.Status) {
	case "success":
		c.advanceLocked(model.AttemptSuccess)
		c.artifact = nil
		c.message = ev.Message
		id := c.attempt.ID
		c.timer = time.AfterFunc(c.redirectDelay, func() { c.fireHandoff(id) })
	case "error", "failed", "failure":
		reason := ev.Message
		if reason == "" {
			reason = "Unknown error"
		}
		c.failLocked(fmt.Errorf("%w: %s", ErrRegistrationRejected, reason), ev.Message)
	default:
		c.message = ev.Message
	}
	c.unlockAndPublish()
}

func (c *Controller) fireHandoff(id string) {
	c.mu.Lock()
	if c.attempt == nil || c.attempt.ID != id || c.attempt.Status != model.AttemptSuccess || c.handedOff {
		c.mu.Unlock()
		return
	}
	c.handedOff = true
	c.timer = nil
	s := c.snapshotLocked()
	c.mu.Unlock()
	if c.handoff != nil {
		c.handoff(s)
	}
}

// OnClear drops the displayed artifact.
func (c *Controller) OnClear(attemptID string) {
	c.mu.Lock()
	if c.attempt == nil || (attemptID != "" && attemptID != c.attempt.ID) || c.artifact == nil {
		c.mu.Unlock()
		return
	}
	c.artifact = nil
	c.unlockAndPublish()
}

// RequestNewCode asks the backend to regenerate the pairing code.
func (c *Controller) RequestNewCode() error {
	c.mu.Lock()
	a := c.attempt
	if a == nil || a.Status != model.AttemptAwaitingArtifact {
		c.mu.Unlock()
		return ErrNoActiveAttempt
	}
	if a.PairingMethod != model.MethodPairingCode {
		c.message = msgCodeUnsupported
		c.unlockAndPublish()
		return ErrNewCodeUnsupported
	}
	payload := map[string]string{
		"phoneNumber":   a.NormalizedPhoneNumber,
		"authId":        a.AuthID,
		"pairingMethod": string(model.MethodPairingCode),
		"attemptId":     a.ID,
	}
	c.message = msgRequestingCode
	c.unlockAndPublish()

	if err := c.ch.Send(channel.EventRequestNewCode, payload); err != nil {
		c.log.Warn().Err(err).Msg("request-new-code not delivered")
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// Cancel abandons the active attempt. Calling it again is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	a := c.attempt
	if a == nil || a.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	a.Status = model.AttemptCancelled
	c.artifact = nil
	c.err = nil
	c.message = msgCancelled
	c.stopTimerLocked()
	phoneNumber, authID := a.NormalizedPhoneNumber, a.AuthID
	c.unlockAndPublish()

	if phoneNumber != "" {
		c.sendCancel(phoneNumber, authID)
	}
}

func (c *Controller) sendCancel(phoneNumber, authID string) {
	payload := map[string]string{"phoneNumber": phoneNumber, "authId": authID}
	if err := c.ch.Send(channel.EventCancelDeployment, payload); err != nil {
		c.log.Warn().Err(err).Msg("cancel-deployment not delivered")
	}
}

// OnUnload is the best-effort cleanup run when the client goes away. It emits
// the cancellation on the channel and also posts it out of band, since the
// channel send may be dropped during teardown.
func (c *Controller) OnUnload() {
	c.mu.Lock()
	a := c.attempt
	if a == nil || a.NormalizedPhoneNumber == "" || a.AuthID == "" || a.Status == model.AttemptSuccess {
		c.mu.Unlock()
		return
	}
	alreadyCancelled := a.Status == model.AttemptCancelled
	if !a.Status.Terminal() {
		a.Status = model.AttemptCancelled
		c.artifact = nil
		c.message = msgCancelled
	}
	c.stopTimerLocked()
	phoneNumber, authID := a.NormalizedPhoneNumber, a.AuthID
	c.unlockAndPublish()

	if !alreadyCancelled {
		c.sendCancel(phoneNumber, authID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.unloadTimeout)
	defer cancel()
	if err := c.api.CancelDeployment(ctx, phoneNumber, authID); err != nil {
		c.log.Debug().Err(err).Msg("out-of-band cancel not confirmed")
	}
}

// Rescan fetches a fresh QR for an existing deployment and shows it as a new QR attempt.
func (c *Controller) Rescan(ctx context.Context, phoneNumber, authID string) error {
	c.mu.Lock()
	id := c.beginLocked(model.PairingAttempt{
		PhoneNumberRaw: phoneNumber,
		PairingMethod:  model.MethodQR,
		AuthID:         authID,
	})
	normalized, err := phone.Canonical(phoneNumber)
	if err != nil {
		c.failLocked(ErrInvalidPhoneNumber, msgInvalidPhone)
		c.unlockAndPublish()
		return ErrInvalidPhoneNumber
	}
	c.attempt.NormalizedPhoneNumber = normalized
	c.advanceLocked(model.AttemptAwaitingArtifact)
	c.unlockAndPublish()

	res, err := c.api.RescanQR(ctx, normalized)
	if err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) {
			err = fmt.Errorf("%w: %s", ErrRegistrationRejected, se.Message())
		} else {
			err = fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		c.mu.Lock()
		if c.currentLocked(id) {
			c.failLocked(err, msgRescanFailed)
			c.unlockAndPublish()
		} else {
			c.mu.Unlock()
		}
		return err
	}

	c.mu.Lock()
	if !c.currentLocked(id) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if res.QRCode == "" {
		c.failLocked(ErrArtifact, msgNoArtifact)
		c.unlockAndPublish()
		return ErrArtifact
	}
	// Later events for the pending session carry the backend's attempt id.
	if res.AttemptID != "" {
		c.attempt.ID = res.AttemptID
	}
	c.artifact = &model.PairingArtifact{Kind: model.ArtifactImage, Value: res.QRCode}
	c.message = msgScanQR
	c.unlockAndPublish()
	return nil
}

// Close stops the handoff timer and waits for background notifications.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
	c.bg.Wait()
}

func (c *Controller) handleQR(data json.RawMessage) {
	var ev ArtifactEvent
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("malformed qr event")
		}
	}
	c.OnArtifact(ev)
}

func (c *Controller) handleStatus(data json.RawMessage) {
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn().Err(err).Msg("malformed registration-status event")
		return
	}
	c.OnStatusUpdate(ev)
}

func (c *Controller) handleClear(data json.RawMessage) {
	var ev struct {
		AttemptID string `json:"attemptId"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ev)
	}
	c.OnClear(ev.AttemptID)
}
