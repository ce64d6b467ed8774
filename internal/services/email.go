package services

import (
	"errors"
	"net/mail"
	"strings"
)

var ErrInvalidEmail = errors.New("invalid email")

// NormEmail lowercases and trims an email reply and rejects anything that
// isn't a plausible address.
func NormEmail(s string) (string, error) {
	e := strings.TrimSpace(strings.ToLower(s))
	if e == "" {
		return "", ErrInvalidEmail
	}
	if _, err := mail.ParseAddress(e); err != nil {
		return "", ErrInvalidEmail
	}
	return e, nil
}
