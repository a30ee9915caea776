package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botdeck/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	ok, reason, err := s.TokenValid("auth-1", now)
	if err != nil || ok || reason != "Token not found" {
		t.Fatalf("TokenValid(unknown) = %v %q %v", ok, reason, err)
	}

	if _, err := s.IssueToken("auth-1", time.Hour); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ok, _, err = s.TokenValid("auth-1", now)
	if err != nil || !ok {
		t.Fatalf("TokenValid(fresh) = %v %v", ok, err)
	}

	ok, reason, err = s.TokenValid("auth-1", now.Add(2*time.Hour))
	if err != nil || ok || reason != "Token has expired" {
		t.Fatalf("TokenValid(later) = %v %q %v", ok, reason, err)
	}

	// renewing extends the expiry
	if _, err := s.IssueToken("auth-1", 3*time.Hour); err != nil {
		t.Fatalf("IssueToken renew: %v", err)
	}
	ok, _, _ = s.TokenValid("auth-1", now.Add(2*time.Hour))
	if !ok {
		t.Error("renewed token should be valid")
	}
}

func TestBotLifecycle(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetBot("2348012345678"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBot(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.UpsertBot("2348012345678", "auth-1", model.MethodPairingCode); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}
	if err := s.UpdateBotStatus("2348012345678", model.BotFailed, "timeout"); err != nil {
		t.Fatalf("UpdateBotStatus: %v", err)
	}
	b, err := s.GetBot("2348012345678")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if b.Status != model.BotFailed || b.LastError != "timeout" || b.PairingMethod != model.MethodPairingCode {
		t.Errorf("bot = %+v", b)
	}

	// redeploying resets status
	if err := s.UpsertBot("2348012345678", "auth-1", model.MethodQR); err != nil {
		t.Fatalf("UpsertBot again: %v", err)
	}
	b, _ = s.GetBot("2348012345678")
	if b.Status != model.BotPending || b.LastError != "" || b.PairingMethod != model.MethodQR {
		t.Errorf("bot after redeploy = %+v", b)
	}

	if err := s.UpsertBot("15551234567", "auth-2", model.MethodQR); err != nil {
		t.Fatalf("UpsertBot other: %v", err)
	}
	mine, err := s.ListBots("auth-1")
	if err != nil || len(mine) != 1 {
		t.Fatalf("ListBots(auth-1) = %v %v", mine, err)
	}
	all, err := s.ListBots("")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListBots(all) = %v %v", all, err)
	}

	if err := s.DeleteBot("2348012345678"); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}
	if _, err := s.GetBot("2348012345678"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bot still present after delete")
	}
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddNotification("auth-1", "hello")
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}
	if _, err := s.AddNotification("auth-2", "other"); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	list, err := s.ListNotifications("auth-1")
	if err != nil || len(list) != 1 || list[0].Message != "hello" || list[0].Read {
		t.Fatalf("ListNotifications = %+v %v", list, err)
	}

	ok, err := s.MarkNotificationRead(id)
	if err != nil || !ok {
		t.Fatalf("MarkNotificationRead = %v %v", ok, err)
	}
	list, _ = s.ListNotifications("auth-1")
	if !list[0].Read {
		t.Error("notification not marked read")
	}

	ok, err = s.MarkNotificationRead("missing")
	if err != nil || ok {
		t.Errorf("MarkNotificationRead(missing) = %v %v", ok, err)
	}
}

func TestPurgeReadNotifications(t *testing.T) {
	s := openTestStore(t)

	readID, _ := s.AddNotification("auth-1", "old news")
	if _, err := s.AddNotification("auth-1", "still unread"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkNotificationRead(readID); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeReadNotifications(time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("purge before creation = %d %v", n, err)
	}
	n, err = s.PurgeReadNotifications(time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d %v", n, err)
	}
	list, _ := s.ListNotifications("auth-1")
	if len(list) != 1 || list[0].Message != "still unread" {
		t.Errorf("remaining = %+v", list)
	}
}

func TestListAuthIDs(t *testing.T) {
	s := openTestStore(t)
	if ids, err := s.ListAuthIDs(); err != nil || len(ids) != 0 {
		t.Fatalf("empty store = %v %v", ids, err)
	}
	if _, err := s.IssueToken("auth-b", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.IssueToken("auth-a", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBot("2348012345678", "auth-a", model.MethodQR); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBot("2348087654321", "auth-c", model.MethodQR); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ListAuthIDs()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "auth-a,auth-b,auth-c" {
		t.Errorf("ids = %v", ids)
	}
}
