package model

import "time"

// PairingMethod selects how a new device is linked to a WhatsApp account.
type PairingMethod string

const (
	MethodQR          PairingMethod = "qr"
	MethodPairingCode PairingMethod = "pairingCode"
)

// Valid reports whether m is one of the known pairing methods.
func (m PairingMethod) Valid() bool {
	return m == MethodQR || m == MethodPairingCode
}

// AttemptStatus is the lifecycle of one registration attempt on the client side.
type AttemptStatus string

const (
	AttemptIdle             AttemptStatus = "idle"
	AttemptValidatingToken  AttemptStatus = "validating_token"
	AttemptAwaitingArtifact AttemptStatus = "awaiting_artifact"
	AttemptSuccess          AttemptStatus = "success"
	AttemptCancelled        AttemptStatus = "cancelled"
	AttemptFailed           AttemptStatus = "failed"
)

// Terminal reports whether no further transitions are allowed for the attempt.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptCancelled || s == AttemptFailed
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s AttemptStatus) rank() int {
	switch s {
	case AttemptIdle:
		return 0
	case AttemptValidatingToken:
		return 1
	case AttemptAwaitingArtifact:
		return 2
	case AttemptSuccess, AttemptCancelled, AttemptFailed:
		return 3
	}
	return -1
}

// CanAdvance reports whether moving from s to next keeps the attempt monotonic.
// Staying on AwaitingArtifact is allowed since each new artifact keeps that status.
func (s AttemptStatus) CanAdvance(next AttemptStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return s == AttemptAwaitingArtifact
	}
	return next.rank() > s.rank()
}

// PairingAttempt is one bot registration attempt owned by the pairing controller.
type PairingAttempt struct {
	ID                    string        `json:"id"`
	PhoneNumberRaw        string        `json:"phone_number_raw"`
	CountryCode           string        `json:"country_code"`
	NormalizedPhoneNumber string        `json:"normalized_phone_number,omitempty"` // set only after validation
	PairingMethod         PairingMethod `json:"pairing_method"`
	AuthID                string        `json:"auth_id"`
	Status                AttemptStatus `json:"status"`
	CreatedAt             time.Time     `json:"created_at"`
}

// ArtifactKind tells a pairing code apart from a QR payload.
type ArtifactKind string

const (
	ArtifactCode  ArtifactKind = "code"
	ArtifactImage ArtifactKind = "image"
)

// PairingArtifact is what the user needs to link the device: a code or a QR payload.
type PairingArtifact struct {
	Kind  ArtifactKind `json:"kind"`
	Value string       `json:"value"`
}

// Bot status constants for the backend deployment lifecycle.
const (
	BotPending   = "pending"
	BotPairing   = "pairing"
	BotOnline    = "online"
	BotStopped   = "stopped"
	BotCancelled = "cancelled"
	BotFailed    = "failed"
	BotLoggedOut = "logged_out"
)

// Bot is a WhatsApp session worker deployed for a user.
type Bot struct {
	PhoneNumber   string        `json:"phone_number" db:"phone_number"`
	AuthID        string        `json:"auth_id" db:"auth_id"`
	PairingMethod PairingMethod `json:"pairing_method" db:"pairing_method"`
	Status        string        `json:"status" db:"status"`
	LastError     string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Notification is a message addressed to a user of the dashboard.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	AuthID    string    `json:"auth_id" db:"auth_id"`
	Message   string    `json:"message" db:"message"`
	Read      bool      `json:"read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Token grants an auth id access to the bot endpoints until it expires.
type Token struct {
	AuthID    string    `json:"auth_id" db:"auth_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
