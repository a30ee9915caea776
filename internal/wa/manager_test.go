package wa

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"

	"botdeck/internal/model"
	"botdeck/internal/storage"
)

type recordedEvent struct {
	kind, authID, attemptID, value string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) add(e recordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeEvents) QR(authID, attemptID, code string) {
	f.add(recordedEvent{"qr", authID, attemptID, code})
}

func (f *fakeEvents) PairingCode(authID, attemptID, code string) {
	f.add(recordedEvent{"code", authID, attemptID, code})
}

func (f *fakeEvents) Status(authID, attemptID, status, message string) {
	f.add(recordedEvent{"status:" + status, authID, attemptID, message})
}

func (f *fakeEvents) Clear(authID, attemptID string) {
	f.add(recordedEvent{"clear", authID, attemptID, ""})
}

func (f *fakeEvents) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fakeEvents) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "wa.db") + "?_foreign_keys=on"
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ev := &fakeEvents{}
	m, err := NewManager(context.Background(), dsn, store, ev, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store, ev
}

// addSession registers an unconnected pairing session for phone.
func addSession(m *Manager, phone, authID string, method model.PairingMethod) *session {
	s := &session{
		phone:     phone,
		authID:    authID,
		attemptID: "att-1",
		method:    method,
		client:    whatsmeow.NewClient(m.Container.NewDevice(), m.ClientLogger),
		cancel:    func() {},
	}
	m.mu.Lock()
	m.sessions[phone] = s
	m.mu.Unlock()
	return s
}

func TestRequestNewCode_Guards(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.RequestNewCode(ctx, "2348012345678", "auth-1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("unknown number: %v", err)
	}
	addSession(m, "2348012345678", "auth-1", model.MethodQR)
	if err := m.RequestNewCode(ctx, "2348012345678", "auth-2"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("other owner: %v", err)
	}
	if err := m.RequestNewCode(ctx, "2348012345678", "auth-1"); !errors.Is(err, ErrWrongMethod) {
		t.Errorf("qr session: %v", err)
	}
}

func TestLastQRAndActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, _, ok := m.LastQR("2348012345678"); ok {
		t.Error("LastQR without session")
	}
	s := addSession(m, "2348012345678", "auth-1", model.MethodQR)
	if !m.Active("2348012345678") {
		t.Error("Active = false with a session")
	}
	if _, _, ok := m.LastQR("2348012345678"); ok {
		t.Error("LastQR before any code")
	}
	m.mu.Lock()
	s.lastQR = "2@abc"
	m.mu.Unlock()
	if code, attemptID, ok := m.LastQR("2348012345678"); !ok || code != "2@abc" || attemptID != "att-1" {
		t.Errorf("LastQR = %q %q %v", code, attemptID, ok)
	}
}

func TestStart_CancelledContext(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Start(ctx, StartRequest{PhoneNumber: "2348012345678", AuthID: "auth-1", Method: model.MethodQR})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v", err)
	}
	if m.Active("2348012345678") {
		t.Error("session registered for a cancelled request")
	}
}

func TestSetStatus_LogsStoreFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	var buf bytes.Buffer
	m.log = zerolog.New(&buf)
	store.Close()

	m.setStatus("2348012345678", model.BotFailed, "boom")

	if !strings.Contains(buf.String(), "update bot status") || !strings.Contains(buf.String(), `"phone":"2348012345678"`) {
		t.Errorf("log = %s", buf.String())
	}
}

func TestCancel(t *testing.T) {
	m, store, ev := newTestManager(t)
	if err := store.UpsertBot("2348012345678", "auth-1", model.MethodQR); err != nil {
		t.Fatal(err)
	}
	addSession(m, "2348012345678", "auth-1", model.MethodQR)

	if err := m.Cancel("2348012345678", "auth-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("cancel by stranger: %v", err)
	}
	if err := m.Cancel("2348012345678", "auth-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Cancel("2348012345678", "auth-1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Cancel: %v", err)
	}
	if m.Active("2348012345678") {
		t.Error("session still active")
	}
	b, _ := store.GetBot("2348012345678")
	if b.Status != model.BotCancelled {
		t.Errorf("status = %q", b.Status)
	}
	got := ev.all()
	if len(got) != 1 || got[0].kind != "clear" || got[0].attemptID != "att-1" {
		t.Errorf("events = %+v", got)
	}
}

func TestFail_ReportsOnce(t *testing.T) {
	m, store, ev := newTestManager(t)
	if err := store.UpsertBot("2348012345678", "auth-1", model.MethodPairingCode); err != nil {
		t.Fatal(err)
	}
	s := addSession(m, "2348012345678", "auth-1", model.MethodPairingCode)

	m.fail(s, "Pairing timed out. Please try again.")
	m.fail(s, "Pairing timed out. Please try again.")

	got := ev.all()
	if len(got) != 2 || got[0].kind != "clear" || got[1].kind != "status:error" {
		t.Fatalf("events = %+v", got)
	}
	b, _ := store.GetBot("2348012345678")
	if b.Status != model.BotFailed || b.LastError != "Pairing timed out. Please try again." {
		t.Errorf("bot = %+v", b)
	}
}

func TestStopAndRestartWithoutDevice(t *testing.T) {
	m, store, _ := newTestManager(t)
	if err := m.Stop("2348012345678"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop unknown: %v", err)
	}
	if err := store.UpsertBot("2348012345678", "auth-1", model.MethodQR); err != nil {
		t.Fatal(err)
	}
	if err := m.Restart(context.Background(), "2348012345678"); !errors.Is(err, ErrDeviceNotPaired) {
		t.Fatalf("Restart: %v", err)
	}
	b, _ := store.GetBot("2348012345678")
	if b.Status != model.BotFailed {
		t.Errorf("status = %q", b.Status)
	}
	if n := m.Resume(context.Background()); n != 0 {
		t.Errorf("Resume = %d", n)
	}
}
