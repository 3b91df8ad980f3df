package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("shared-secret")
	body := []byte(`{"execution_id":"abc","status":"completed"}`)

	sig := v.Sign(body)
	if err := v.Verify(body, sig); err != nil {
		t.Fatalf("verify own signature: %v", err)
	}

	if err := v.Verify([]byte(`{"tampered":true}`), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered body err = %v, want ErrBadSignature", err)
	}
	if err := v.Verify(body, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged signature err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyDifferentSecrets(t *testing.T) {
	a := NewVerifier("secret-a")
	b := NewVerifier("secret-b")
	body := []byte("payload")

	if err := b.Verify(body, a.Sign(body)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("cross-secret err = %v, want ErrBadSignature", err)
	}
}

func TestCheckTimestampWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier("s", WithVerifierNow(func() time.Time { return base }))

	tests := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"current", base, true},
		{"four minutes old", base.Add(-4 * time.Minute), true},
		{"four minutes ahead", base.Add(4 * time.Minute), true},
		{"six minutes old", base.Add(-6 * time.Minute), false},
		{"six minutes ahead", base.Add(6 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CheckTimestamp(tt.ts.Format(time.RFC3339))
			if tt.ok && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrStaleTimestamp) {
				t.Errorf("err = %v, want ErrStaleTimestamp", err)
			}
		})
	}
}

func TestCheckTimestampMalformed(t *testing.T) {
	v := NewVerifier("s")
	if err := v.CheckTimestamp("not-a-time"); err == nil {
		t.Error("malformed timestamp accepted")
	}
}
