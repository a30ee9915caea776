package pairing

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every input validation failure.
var ErrValidation = errors.New("validation failed")

var (
	ErrMissingAuth          = errors.New("auth id is missing")
	ErrInvalidPhoneNumber   = fmt.Errorf("%w: invalid phone number", ErrValidation)
	ErrInvalidPairingMethod = fmt.Errorf("%w: unknown pairing method", ErrValidation)
	ErrTokenInvalid         = errors.New("token invalid or expired")
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrNetwork              = errors.New("network error")
	ErrArtifact             = errors.New("pairing artifact missing")
	ErrNewCodeUnsupported   = errors.New("new code is only available for the pairing code method")
	ErrNoActiveAttempt      = errors.New("no active pairing attempt")
	ErrSuperseded           = errors.New("pairing attempt was cancelled or replaced")
)
