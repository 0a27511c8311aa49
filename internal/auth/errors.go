package auth

import "errors"

// ErrTokenExpired is returned when a session token's expiry has passed.
// The robot must re-register to obtain a fresh token.
var ErrTokenExpired = errors.New("auth: token expired")

// ErrTokenInvalid is returned for malformed, tampered, or wrongly signed
// tokens.
var ErrTokenInvalid = errors.New("auth: token invalid")

// ErrKeyInvalid is returned when an API key does not verify: unknown prefix,
// hash mismatch, revoked, or expired.
var ErrKeyInvalid = errors.New("auth: api key invalid")

// ErrForbidden is returned when an authenticated principal lacks the role
// required for the requested action.
var ErrForbidden = errors.New("auth: forbidden")
