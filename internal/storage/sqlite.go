package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"botdeck/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			auth_id TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS bots (
			phone_number TEXT PRIMARY KEY,
			auth_id TEXT NOT NULL,
			pairing_method TEXT NOT NULL DEFAULT 'qr',
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			auth_id TEXT NOT NULL,
			message TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_auth ON bots(auth_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_auth ON notifications(auth_id, created_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// IssueToken creates or renews the token for authID.
func (s *Store) IssueToken(authID string, ttl time.Duration) (model.Token, error) {
	now := time.Now().UTC()
	t := model.Token{AuthID: authID, ExpiresAt: now.Add(ttl), CreatedAt: now}
	_, err := s.DB.Exec(`
		INSERT INTO tokens (auth_id, expires_at, created_at) VALUES (?,?,?)
		ON CONFLICT(auth_id) DO UPDATE SET expires_at=excluded.expires_at`,
		t.AuthID, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return model.Token{}, err
	}
	return t, nil
}

// TokenValid reports whether authID has an unexpired token. When it does not,
// reason explains why in user-facing words.
func (s *Store) TokenValid(authID string, now time.Time) (ok bool, reason string, err error) {
	var expires time.Time
	err = s.DB.QueryRow(`SELECT expires_at FROM tokens WHERE auth_id=?`, authID).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "Token not found", nil
	}
	if err != nil {
		return false, "", err
	}
	if !now.Before(expires) {
		return false, "Token has expired", nil
	}
	return true, "", nil
}

// UpsertBot records a deployment for phoneNumber, resetting its status to pending.
func (s *Store) UpsertBot(phoneNumber, authID string, method model.PairingMethod) error {
	_, err := s.DB.Exec(`
		INSERT INTO bots (phone_number, auth_id, pairing_method, status, last_error, created_at, updated_at)
		VALUES (?,?,?,'pending','',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT(phone_number) DO UPDATE SET
			auth_id=excluded.auth_id,
			pairing_method=excluded.pairing_method,
			status='pending',
			last_error='',
			updated_at=CURRENT_TIMESTAMP`,
		phoneNumber, authID, string(method))
	return err
}

func (s *Store) UpdateBotStatus(phoneNumber, status, lastError string) error {
	_, err := s.DB.Exec(`UPDATE bots SET status=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE phone_number=?`,
		status, lastError, phoneNumber)
	return err
}

// GetBot returns the bot for phoneNumber or ErrNotFound.
func (s *Store) GetBot(phoneNumber string) (model.Bot, error) {
	row := s.DB.QueryRow(`SELECT phone_number,auth_id,pairing_method,status,COALESCE(last_error,''),created_at,updated_at
		FROM bots WHERE phone_number=?`, phoneNumber)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bot{}, ErrNotFound
	}
	return b, err
}

// ListBots returns bots owned by authID, or every bot when authID is empty.
func (s *Store) ListBots(authID string) ([]model.Bot, error) {
	var rows *sql.Rows
	var err error
	if authID != "" {
		rows, err = s.DB.Query(`SELECT phone_number,auth_id,pairing_method,status,COALESCE(last_error,''),created_at,updated_at
			FROM bots WHERE auth_id=? ORDER BY created_at DESC`, authID)
	} else {
		rows, err = s.DB.Query(`SELECT phone_number,auth_id,pairing_method,status,COALESCE(last_error,''),created_at,updated_at
			FROM bots ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []model.Bot{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

func (s *Store) DeleteBot(phoneNumber string) error {
	_, err := s.DB.Exec(`DELETE FROM bots WHERE phone_number=?`, phoneNumber)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(r scanner) (model.Bot, error) {
	var b model.Bot
	var method string
	if err := r.Scan(&b.PhoneNumber, &b.AuthID, &method, &b.Status, &b.LastError, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return model.Bot{}, err
	}
	b.PairingMethod = model.PairingMethod(method)
	return b, nil
}

// AddNotification stores a message for authID and returns its ID.
func (s *Store) AddNotification(authID, message string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO notifications (id, auth_id, message, is_read, created_at) VALUES (?,?,?,0,?)`,
		id, authID, message, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListNotifications returns notifications for authID, newest first.
func (s *Store) ListNotifications(authID string) ([]model.Notification, error) {
	rows, err := s.DB.Query(`SELECT id, auth_id, message, is_read, created_at FROM notifications
		WHERE auth_id=? ORDER BY created_at DESC`, authID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.AuthID, &n.Message, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read == 1
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkNotificationRead flags one notification as read and reports whether it existed.
func (s *Store) MarkNotificationRead(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE notifications SET is_read=1 WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeReadNotifications deletes read notifications created before cutoff.
func (s *Store) PurgeReadNotifications(before time.Time) (int64, error) {
	res, err := s.DB.Exec(`DELETE FROM notifications WHERE is_read=1 AND created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListAuthIDs returns every user known to the backend, from issued tokens
// and deployed bots.
func (s *Store) ListAuthIDs() ([]string, error) {
	rows, err := s.DB.Query(`SELECT auth_id FROM tokens UNION SELECT auth_id FROM bots ORDER BY auth_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
