// Package phone normalizes user-entered phone numbers into the form the bot
// backend expects: E.164 digits without the leading plus sign.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is returned when the input cannot be parsed or is not a valid number.
var ErrInvalid = errors.New("invalid phone number")

// Normalize parses raw and returns its E.164 digits without "+".
// Numbers already in international form ignore country; anything else is
// parsed against country and must be valid for that region.
func Normalize(raw, country string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalid
	}
	if strings.HasPrefix(raw, "+") {
		num, err := phonenumbers.Parse(raw, "")
		if err != nil || !phonenumbers.IsValidNumber(num) {
			return "", ErrInvalid
		}
		return format(num), nil
	}

	region := strings.ToUpper(strings.TrimSpace(country))
	if region == "" {
		return "", ErrInvalid
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumberForRegion(num, region) {
		return "", ErrInvalid
	}
	return format(num), nil
}

func format(num *phonenumbers.PhoneNumber) string {
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
}

// Canonical validates a number that is already in international form, with
// or without the leading "+", and returns it in the same digits-only form as
// Normalize.
func Canonical(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalid
	}
	if !strings.HasPrefix(raw, "+") {
		raw = "+" + raw
	}
	return Normalize(raw, "")
}
