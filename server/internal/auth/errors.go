package auth

import "errors"

// Sentinel errors returned by the token manager.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a JWT has expired. Connections get
	// one automatic refresh attempt before being closed with 4003.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrWrongAudience is returned when a token of one principal kind is
	// presented on the other kind's endpoint (e.g. a dashboard token on
	// /ws/agent).
	ErrWrongAudience = errors.New("auth: token audience mismatch")
)
