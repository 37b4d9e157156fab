package credential_test

import (
	"encoding/base32"
	"errors"
	"strings"
	"testing"
	"time"

	"qrattend/internal/credential"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestCodec(t *testing.T, clock *fakeClock) *credential.Codec {
	t.Helper()
	c, err := credential.NewCodec(testSecret, credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// ── Round trip ───────────────────────────────────────────────────────────────

func TestVerify_FreshToken_ReturnsSubject(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)

	for _, subject := range []string{"S-1001", "a", strings.Repeat("x", 255), "ünïcode-42"} {
		tok, err := c.Issue(subject, time.Hour)
		if err != nil {
			t.Fatalf("Issue(%q): %v", subject, err)
		}
		claims, err := c.Verify(tok)
		if err != nil {
			t.Fatalf("Verify(%q): %v", subject, err)
		}
		if claims.SubjectID != subject {
			t.Errorf("expected subject %q, got %q", subject, claims.SubjectID)
		}
		if !claims.ExpiresAt.Equal(clock.t.Add(time.Hour)) {
			t.Errorf("expected expires_at %v, got %v", clock.t.Add(time.Hour), claims.ExpiresAt)
		}
	}
}

func TestIssue_TokenIsQRAlphanumeric(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	tok, err := c.Issue("S-1001", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, r := range tok {
		if !(r >= 'A' && r <= 'Z') && !(r >= '2' && r <= '7') {
			t.Fatalf("unexpected rune %q in token %q", r, tok)
		}
	}
}

// ── Tampering ────────────────────────────────────────────────────────────────

func TestVerify_AnyAlteredSymbol_NeverSucceeds(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})
	tok, err := c.Issue("S-1001", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	for i := range tok {
		for _, r := range alphabet + "a0=" {
			if byte(r) == tok[i] {
				continue
			}
			mutated := tok[:i] + string(r) + tok[i+1:]
			_, err := c.Verify(mutated)
			if err == nil {
				t.Fatalf("mutation at %d (%q) verified", i, r)
			}
			if !errors.Is(err, credential.ErrBadSignature) && !errors.Is(err, credential.ErrInvalidFormat) {
				t.Fatalf("mutation at %d (%q): unexpected error %v", i, r, err)
			}
		}
	}
}

func TestVerify_AlteredDecodedByte_NeverSucceeds(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})
	tok, _ := c.Issue("S-1001", time.Hour)

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	raw, err := enc.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		_, err := c.Verify(enc.EncodeToString(mutated))
		if !errors.Is(err, credential.ErrBadSignature) && !errors.Is(err, credential.ErrInvalidFormat) {
			t.Fatalf("byte %d flipped: expected bad signature or invalid format, got %v", i, err)
		}
	}
}

func TestVerify_SplicedSignature_Rejected(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)

	short, _ := c.Issue("S-1001", time.Minute)
	long, _ := c.Issue("S-1001", 30*24*time.Hour)
	rawShort, _ := enc.DecodeString(short)
	rawLong, _ := enc.DecodeString(long)

	// Long-lived body with the short token's signature.
	spliced := append(append([]byte(nil), rawLong[:len(rawLong)-32]...), rawShort[len(rawShort)-32:]...)
	if _, err := c.Verify(enc.EncodeToString(spliced)); !errors.Is(err, credential.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_OtherSecret_BadSignature(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCodec(t, clock)
	other, err := credential.NewCodec([]byte("another-secret-of-enough-length"), credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tok, _ := c.Issue("S-1001", time.Hour)
	if _, err := other.Verify(tok); !errors.Is(err, credential.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_Malformed_InvalidFormat(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	for _, tok := range []string{"", "not base32!", "AAAA", strings.Repeat("A", 200)} {
		if _, err := c.Verify(tok); !errors.Is(err, credential.ErrInvalidFormat) {
			t.Errorf("Verify(%q): expected ErrInvalidFormat, got %v", tok, err)
		}
	}
}

func TestVerify_ForgedExpiredToken_SignatureCheckedFirst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	other, _ := credential.NewCodec([]byte("another-secret-of-enough-length"), credential.WithClock(clock.Now))

	forged, _ := other.Issue("S-1001", time.Minute)
	clock.t = clock.t.Add(time.Hour)
	if _, err := c.Verify(forged); !errors.Is(err, credential.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature before expiry, got %v", err)
	}
}

// ── Expiry ───────────────────────────────────────────────────────────────────

func TestVerify_ExpiryBoundaryIsExclusive(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	c := newTestCodec(t, clock)

	tok, err := c.Issue("S-1001", 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.t = start.Add(10*time.Minute - time.Millisecond)
	if _, err := c.Verify(tok); err != nil {
		t.Fatalf("just before expiry: %v", err)
	}

	clock.t = start.Add(10 * time.Minute)
	if _, err := c.Verify(tok); !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("at expiry: expected ErrExpired, got %v", err)
	}

	clock.t = start.Add(time.Hour)
	if _, err := c.Verify(tok); !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("after expiry: expected ErrExpired, got %v", err)
	}
}

func TestIssue_ZeroTTL_AlwaysExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)

	tok, err := c.Issue("S-1001", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := c.Verify(tok); !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	clock.t = clock.t.Add(time.Second)
	if _, err := c.Verify(tok); !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

// ── Construction / issuance validation ──────────────────────────────────────

func TestNewCodec_ShortSecret(t *testing.T) {
	if _, err := credential.NewCodec([]byte("short")); !errors.Is(err, credential.ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestIssue_InvalidInput(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	if _, err := c.Issue("", time.Hour); !errors.Is(err, credential.ErrInvalidSubject) {
		t.Errorf("empty subject: got %v", err)
	}
	if _, err := c.Issue(strings.Repeat("x", 256), time.Hour); !errors.Is(err, credential.ErrInvalidSubject) {
		t.Errorf("long subject: got %v", err)
	}
	if _, err := c.Issue("S-1", -time.Second); !errors.Is(err, credential.ErrInvalidTTL) {
		t.Errorf("negative ttl: got %v", err)
	}
}
