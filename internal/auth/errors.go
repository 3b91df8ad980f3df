// Package auth implements password verification, JWT issuance and
// revocation, Redis-backed sessions, login lockout, and the fixed
// role-to-permission table.
package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLockedOut is returned while an account is locked after repeated failures.
	ErrLockedOut = errors.New("account temporarily locked")
	// ErrInvalidToken covers malformed, expired, revoked, and mis-typed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakPassword is returned when a password fails the policy.
	ErrWeakPassword = errors.New("password does not meet policy")
	// ErrUserExists is returned when registering a duplicate username.
	ErrUserExists = errors.New("user already exists")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrForbidden is returned on permission check failures. The message is
	// deliberately generic.
	ErrForbidden = errors.New("access denied")
)
