package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Webhook headers. The timestamp rides alongside the signature so replayed
// requests can be rejected.
const (
	HeaderSignature = "X-Copilot-Signature"
	HeaderTimestamp = "X-Copilot-Timestamp"
)

// defaultWindow bounds how far a webhook timestamp may drift.
const defaultWindow = 5 * time.Minute

// Verifier signs outbound payloads and verifies inbound callbacks with a
// shared HMAC-SHA256 secret.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// VerifierOption adjusts a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierNow injects the clock, for tests.
func WithVerifierNow(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithWindow overrides the timestamp tolerance.
func WithWindow(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.window = d }
}

// NewVerifier builds a verifier for the shared secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		window: defaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sign returns the hex HMAC-SHA256 of body.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature with a constant-time comparison.
func (v *Verifier) Verify(body []byte, signature string) error {
	if !hmac.Equal([]byte(v.Sign(body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// CheckTimestamp rejects RFC 3339 timestamps outside the replay window.
func (v *Verifier) CheckTimestamp(ts string) error {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("parse webhook timestamp: %w", err)
	}

	drift := v.now().Sub(t)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return ErrStaleTimestamp
	}
	return nil
}

// VerifyRequest runs both checks on an inbound callback.
func (v *Verifier) VerifyRequest(body []byte, signature, timestamp string) error {
	if err := v.CheckTimestamp(timestamp); err != nil {
		return err
	}
	return v.Verify(body, signature)
}
