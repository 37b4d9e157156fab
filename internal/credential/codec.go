// Package credential issues and verifies the signed, expiring tokens that are
// printed into attendance QR codes.
//
// Wire layout before encoding (big endian):
//
//	version(1) | subject_len(1) | subject(n) | issued_at_ms(8) | expires_at_ms(8) | hmac_sha256(32)
//
// The MAC covers every byte that precedes it. The result is encoded as
// unpadded upper-case base32 so it fits the QR alphanumeric mode.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidFormat = errors.New("credential: invalid format")
	ErrBadSignature  = errors.New("credential: bad signature")
	ErrExpired       = errors.New("credential: expired")

	ErrInvalidSubject = errors.New("credential: subject id must be 1-255 bytes")
	ErrInvalidTTL     = errors.New("credential: ttl must not be negative")
	ErrWeakSecret     = errors.New("credential: secret must be at least 16 bytes")
)

const (
	version       byte = 1
	sigLen             = sha256.Size
	maxSubjectLen      = 255
	minSecretLen       = 16
	// version + subject_len + two timestamps + signature
	fixedLen = 1 + 1 + 8 + 8 + sigLen
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Claims is what a verified token binds.
type Claims struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec holds the process-wide MAC key. It is safe for concurrent use.
type Codec struct {
	key []byte
	now func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec derives the MAC key from secret with HKDF-SHA256.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	key := make([]byte, sha256.Size)
	h := hkdf.New(sha256.New, secret, nil, []byte("qrattend-credential-v1"))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	c := &Codec{key: key, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue binds subjectID to [now, now+ttl) and returns the encoded token.
func (c *Codec) Issue(subjectID string, ttl time.Duration) (string, error) {
	if subjectID == "" || len(subjectID) > maxSubjectLen {
		return "", ErrInvalidSubject
	}
	if ttl < 0 {
		return "", ErrInvalidTTL
	}
	issued := c.now().UnixMilli()
	expires := issued + ttl.Milliseconds()

	buf := make([]byte, 0, fixedLen+len(subjectID))
	buf = append(buf, version, byte(len(subjectID)))
	buf = append(buf, subjectID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(issued))
	buf = binary.BigEndian.AppendUint64(buf, uint64(expires))
	buf = append(buf, c.sign(buf)...)

	return encoding.EncodeToString(buf), nil
}

// Verify checks format, then signature, then expiry, in that order. A token
// is valid strictly before its expiry instant.
func (c *Codec) Verify(token string) (Claims, error) {
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return Claims{}, ErrInvalidFormat
	}
	// Reject non-canonical encodings (stray low bits in the last symbol).
	if encoding.EncodeToString(raw) != token {
		return Claims{}, ErrInvalidFormat
	}
	if len(raw) < fixedLen+1 || raw[0] != version {
		return Claims{}, ErrInvalidFormat
	}
	n := int(raw[1])
	if n == 0 || len(raw) != fixedLen+n {
		return Claims{}, ErrInvalidFormat
	}

	body, sig := raw[:len(raw)-sigLen], raw[len(raw)-sigLen:]
	if !hmac.Equal(sig, c.sign(body)) {
		return Claims{}, ErrBadSignature
	}

	subject := string(body[2 : 2+n])
	issued := int64(binary.BigEndian.Uint64(body[2+n:]))
	expires := int64(binary.BigEndian.Uint64(body[2+n+8:]))

	if c.now().UnixMilli() >= expires {
		return Claims{}, ErrExpired
	}
	return Claims{
		SubjectID: subject,
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

func (c *Codec) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	return mac.Sum(nil)
}
