package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"botdeck/internal/logging"
	"botdeck/internal/model"
	"botdeck/internal/storage"
)

var (
	ErrNoSession       = errors.New("no pairing session for this number")
	ErrNotOwner        = errors.New("session belongs to another user")
	ErrWrongMethod     = errors.New("session does not use the pairing code method")
	ErrDeviceNotPaired = errors.New("no paired device for this number")
)

// Events receives session updates destined for the dashboard of authID.
type Events interface {
	QR(authID, attemptID, code string)
	PairingCode(authID, attemptID, code string)
	Status(authID, attemptID, status, message string)
	Clear(authID, attemptID string)
}

// StartRequest describes a new pairing session.
type StartRequest struct {
	PhoneNumber string
	AuthID      string
	Method      model.PairingMethod
	AttemptID   string
}

type session struct {
	phone     string
	authID    string
	attemptID string
	method    model.PairingMethod
	client    *whatsmeow.Client
	cancel    context.CancelFunc
	paired    bool
	lastQR    string
}

// Manager runs one whatsmeow client per bot phone number.
type Manager struct {
	Container    *sqlstore.Container
	Store        *storage.Store
	Events       Events
	ClientLogger waLog.Logger

	log            zerolog.Logger
	pairingTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(ctx context.Context, dsn string, st *storage.Store, ev Events, pairingTimeout time.Duration, log zerolog.Logger) (*Manager, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, logging.WhatsApp(log, "Database"))
	if err != nil {
		return nil, err
	}
	if pairingTimeout <= 0 {
		pairingTimeout = 120 * time.Second
	}
	return &Manager{
		Container:      container,
		Store:          st,
		Events:         ev,
		ClientLogger:   logging.WhatsApp(log, "WhatsApp"),
		log:            log.With().Str("component", "wa").Logger(),
		pairingTimeout: pairingTimeout,
		sessions:       make(map[string]*session),
	}, nil
}

// Start creates a fresh device for the number and begins pairing in the
// background. Artifacts and outcome are reported through Events. ctx only
// bounds setup; the session itself runs until pairing ends or times out.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.drop(req.PhoneNumber)

	client := whatsmeow.NewClient(m.Container.NewDevice(), m.ClientLogger)
	sessCtx, cancel := context.WithTimeout(context.Background(), m.pairingTimeout)
	s := &session{
		phone:     req.PhoneNumber,
		authID:    req.AuthID,
		attemptID: req.AttemptID,
		method:    req.Method,
		client:    client,
		cancel:    cancel,
	}
	client.AddEventHandler(m.eventHandler(s))

	// QR channel must exist before Connect; keep it on the session context so
	// the websocket outlives the HTTP request.
	qrChan, err := client.GetQRChannel(sessCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("qr channel: %w", err)
	}

	m.mu.Lock()
	m.sessions[req.PhoneNumber] = s
	m.mu.Unlock()

	m.log.Info().Str("phone", req.PhoneNumber).Str("method", string(req.Method)).Msg("pair: start connect")
	if err := client.Connect(); err != nil {
		m.fail(s, "WhatsApp connect failed: "+err.Error())
		return fmt.Errorf("connect: %w", err)
	}

	go m.watch(sessCtx, s, qrChan)
	return nil
}

// watch relays QR codes (or requests a pairing code) until the session ends.
func (m *Manager) watch(ctx context.Context, s *session, qrChan <-chan whatsmeow.QRChannelItem) {
	defer s.cancel()
	if s.method == model.MethodPairingCode {
		// Wait for the first QR event or a short delay so the connection is ready before PairPhone.
		select {
		case <-qrChan:
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
		}
		if ctx.Err() == nil {
			if err := m.requestCode(ctx, s); err != nil {
				m.fail(s, "Could not get a pairing code: "+err.Error())
				return
			}
		}
	}

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				if s.method == model.MethodQR {
					m.mu.Lock()
					s.lastQR = item.Code
					m.mu.Unlock()
					m.Events.QR(s.authID, s.attemptID, item.Code)
				}
			case whatsmeow.QRChannelSuccess.Event:
				return
			case whatsmeow.QRChannelTimeout.Event:
				m.fail(s, "QR code expired. Please try again.")
				return
			case whatsmeow.QRChannelEventError:
				m.fail(s, fmt.Sprintf("Pairing failed: %v", item.Error))
				return
			}
		case <-ctx.Done():
			m.mu.Lock()
			paired := s.paired
			m.mu.Unlock()
			if !paired && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.fail(s, "Pairing timed out. Please try again.")
			}
			return
		}
	}
}

func (m *Manager) requestCode(ctx context.Context, s *session) error {
	code, err := s.client.PairPhone(ctx, s.phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return err
	}
	m.setStatus(s.phone, model.BotPairing, "")
	m.log.Info().Str("phone", s.phone).Int("len", len(code)).Msg("pair: got code")
	m.Events.PairingCode(s.authID, s.attemptID, code)
	return nil
}

func (m *Manager) eventHandler(s *session) func(evt any) {
	return func(evt any) {
		switch e := evt.(type) {
		case *events.PairSuccess:
			m.mu.Lock()
			s.paired = true
			m.mu.Unlock()
			m.log.Info().Str("phone", s.phone).Str("jid", e.ID.String()).Msg("pair: success")
			m.setStatus(s.phone, model.BotOnline, "")
			m.Events.Clear(s.authID, s.attemptID)
			m.Events.Status(s.authID, s.attemptID, "success", "WhatsApp linked! Your bot is now online.")
		case *events.PairError:
			m.fail(s, fmt.Sprintf("Pairing failed: %v", e.Error))
		case *events.Connected:
			if s.client.Store != nil && s.client.Store.ID != nil {
				m.setStatus(s.phone, model.BotOnline, "")
			}
		case *events.LoggedOut:
			m.setStatus(s.phone, model.BotLoggedOut, "")
			m.Events.Status(s.authID, "", "error", "Bot was logged out from WhatsApp.")
		case *events.StreamReplaced:
			m.setStatus(s.phone, model.BotStopped, "stream replaced")
		}
	}
}

// fail ends an unpaired session and reports the reason.
func (m *Manager) fail(s *session, reason string) {
	m.mu.Lock()
	current := m.sessions[s.phone] == s
	if current {
		delete(m.sessions, s.phone)
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.log.Warn().Str("phone", s.phone).Str("reason", reason).Msg("pair: failed")
	s.cancel()
	s.client.Disconnect()
	m.setStatus(s.phone, model.BotFailed, reason)
	m.Events.Clear(s.authID, s.attemptID)
	m.Events.Status(s.authID, s.attemptID, "error", reason)
}

// Active reports whether a client currently serves phone.
func (m *Manager) Active(phone string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[phone] != nil
}

// setStatus records a bot status change. Failures are logged; the session
// carries on regardless.
func (m *Manager) setStatus(phone, status, lastErr string) {
	if err := m.Store.UpdateBotStatus(phone, status, lastErr); err != nil {
		m.log.Warn().Err(err).Str("phone", phone).Str("status", status).Msg("update bot status")
	}
}

// LastQR returns the most recent QR payload of an unpaired QR session and
// the attempt id its events are tagged with.
func (m *Manager) LastQR(phone string) (code, attemptID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[phone]
	if s == nil || s.paired || s.lastQR == "" {
		return "", "", false
	}
	return s.lastQR, s.attemptID, true
}

// RequestNewCode regenerates the pairing code of a running session.
func (m *Manager) RequestNewCode(ctx context.Context, phone, authID string) error {
	m.mu.Lock()
	s := m.sessions[phone]
	m.mu.Unlock()
	if s == nil || s.paired {
		return ErrNoSession
	}
	if s.authID != authID {
		return ErrNotOwner
	}
	if s.method != model.MethodPairingCode {
		return ErrWrongMethod
	}
	return m.requestCode(ctx, s)
}

// Cancel aborts a running pairing session. Paired bots are left alone.
func (m *Manager) Cancel(phone, authID string) error {
	m.mu.Lock()
	s := m.sessions[phone]
	if s == nil || s.paired {
		m.mu.Unlock()
		return ErrNoSession
	}
	if authID != "" && s.authID != authID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	delete(m.sessions, phone)
	m.mu.Unlock()

	m.log.Info().Str("phone", phone).Msg("pair: cancelled")
	s.cancel()
	s.client.Disconnect()
	m.setStatus(phone, model.BotCancelled, "")
	m.Events.Clear(s.authID, s.attemptID)
	return nil
}

// drop disconnects whatever client currently serves phone.
func (m *Manager) drop(phone string) *session {
	m.mu.Lock()
	s := m.sessions[phone]
	delete(m.sessions, phone)
	m.mu.Unlock()
	if s != nil {
		s.cancel()
		s.client.Disconnect()
	}
	return s
}

func (m *Manager) findDevice(ctx context.Context, phone string) (*store.Device, error) {
	devices, err := m.Container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID != nil && d.ID.User == phone {
			return d, nil
		}
	}
	return nil, ErrDeviceNotPaired
}

// connect attaches a client to an already paired device.
func (m *Manager) connect(ctx context.Context, phone string) error {
	bot, err := m.Store.GetBot(phone)
	if err != nil {
		return err
	}
	device, err := m.findDevice(ctx, phone)
	if err != nil {
		return err
	}
	client := whatsmeow.NewClient(device, m.ClientLogger)
	s := &session{phone: phone, authID: bot.AuthID, method: bot.PairingMethod, client: client, cancel: func() {}, paired: true}
	client.AddEventHandler(m.eventHandler(s))
	m.mu.Lock()
	m.sessions[phone] = s
	m.mu.Unlock()
	m.log.Info().Str("phone", phone).Msg("connect")
	return client.Connect()
}

// Restart reconnects a paired bot.
func (m *Manager) Restart(ctx context.Context, phone string) error {
	m.drop(phone)
	if err := m.connect(ctx, phone); err != nil {
		m.setStatus(phone, model.BotFailed, err.Error())
		return err
	}
	return nil
}

// Stop disconnects a bot but keeps its device so it can be restarted.
func (m *Manager) Stop(phone string) error {
	if m.drop(phone) == nil {
		return ErrNoSession
	}
	return m.Store.UpdateBotStatus(phone, model.BotStopped, "")
}

// Delete logs the bot out of WhatsApp and forgets its device.
func (m *Manager) Delete(ctx context.Context, phone string) error {
	s := m.drop(phone)
	var client *whatsmeow.Client
	if s != nil && s.paired {
		client = s.client
	} else if device, err := m.findDevice(ctx, phone); err == nil {
		client = whatsmeow.NewClient(device, m.ClientLogger)
	}
	if client != nil {
		if !client.IsConnected() {
			if err := client.Connect(); err != nil {
				m.log.Warn().Err(err).Str("phone", phone).Msg("delete: connect before logout failed")
			}
		}
		if err := client.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Str("phone", phone).Msg("delete: logout failed")
		}
		client.Disconnect()
	}
	return m.Store.DeleteBot(phone)
}

// Resume reconnects every bot that was online when the server stopped.
func (m *Manager) Resume(ctx context.Context) int {
	bots, err := m.Store.ListBots("")
	if err != nil {
		m.log.Error().Err(err).Msg("resume: list bots")
		return 0
	}
	n := 0
	for _, b := range bots {
		if b.Status != model.BotOnline {
			continue
		}
		if err := m.connect(ctx, b.PhoneNumber); err != nil {
			m.log.Warn().Err(err).Str("phone", b.PhoneNumber).Msg("resume failed")
			m.setStatus(b.PhoneNumber, model.BotFailed, err.Error())
			continue
		}
		n++
	}
	return n
}

// Shutdown disconnects every client.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range all {
		s.cancel()
		s.client.Disconnect()
	}
}
