package shared

import "errors"

var (
	// ErrCSRFTokenMissing is returned when a mutating request carries no token.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch is returned when the supplied token does not match
	// the one stored in the session.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)
