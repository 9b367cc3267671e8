package errors

import "errors"

// Local store errors.
var (
	ErrStoreUnavailable = errors.New("bookmark store unavailable")
	ErrNotFound         = errors.New("bookmark not found")
)

// Server/transport errors.
var (
	ErrNetwork       = errors.New("network request failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrChannelClosed = errors.New("channel closed")
	ErrNotLoggedIn   = errors.New("not logged in")
)
