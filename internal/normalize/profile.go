// Package normalize maps raw source records onto the canonical Tender shape.
package normalize

import (
	"errors"
	"fmt"
)

// Profile captures a source's native formats.
type Profile struct {
	// DateLayouts are tried before the generic ISO and RSS layouts.
	DateLayouts []string
	// DecimalSeparator is '.' or ','; it disambiguates a lone separator.
	DecimalSeparator rune
	// DefaultCurrency is used when the record states no currency.
	DefaultCurrency string
	// DefaultCountry is used when the record states no buyer country.
	DefaultCountry string
	// URLBase resolves relative notice links.
	URLBase string
}

// ErrInvalid is wrapped by every *Error.
var ErrInvalid = errors.New("invalid record")

// Error is a per-record normalization failure on a required field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalid).
func (e *Error) Unwrap() error {
	return ErrInvalid
}
