package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenInvalid = errors.New("invalid download token")
	ErrTokenExpired = errors.New("download token expired")
)

// Grant is the payload carried by a download token.
type Grant struct {
	ResourceID string
	Path       string
	ExpiresAt  time.Time
}

// Signer issues HMAC-SHA256 download tokens of the form payload.signature.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(resourceID, path string) (string, Grant, error) {
	if resourceID == "" || path == "" {
		return "", Grant{}, errors.New("resource id and path are required")
	}
	if len(s.secret) == 0 {
		return "", Grant{}, errors.New("signing secret is empty")
	}
	g := Grant{ResourceID: resourceID, Path: path, ExpiresAt: s.now().Add(s.ttl).Truncate(time.Second)}
	raw := strings.Join([]string{g.ResourceID, strconv.FormatInt(g.ExpiresAt.Unix(), 10), g.Path}, "\n")
	payload := base64.RawURLEncoding.EncodeToString([]byte(raw))
	return payload + "." + s.mac(payload), g, nil
}

// Verify checks the signature and expiry of token.
func (s *Signer) Verify(token string) (Grant, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Grant{}, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return Grant{}, ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Grant{}, ErrTokenInvalid
	}
	parts := strings.SplitN(string(raw), "\n", 3)
	if len(parts) != 3 {
		return Grant{}, ErrTokenInvalid
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Grant{}, ErrTokenInvalid
	}
	g := Grant{ResourceID: parts[0], Path: parts[2], ExpiresAt: time.Unix(exp, 0)}
	if s.now().After(g.ExpiresAt) {
		return g, ErrTokenExpired
	}
	return g, nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	_, _ = h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
