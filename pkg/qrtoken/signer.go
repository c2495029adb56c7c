package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Signer creates and validates the opaque gate tokens rendered as QR codes.
// A token binds a pass id to an expiry instant; nothing else is encoded, so
// the scanning station must resolve the pass server-side.
type Signer struct {
	secret []byte
}

// NewSigner constructs a Signer with the provided secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Generate returns a signed token for the pass expiring at expiresAt.
func (s *Signer) Generate(passID string, expiresAt time.Time) (string, error) {
	if passID == "" {
		return "", fmt.Errorf("passID required")
	}
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signing secret missing")
	}
	payload := fmt.Sprintf("%s|%d", passID, expiresAt.Unix())
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return strings.Join([]string{passID, fmt.Sprintf("%d", expiresAt.Unix()), signature}, "."), nil
}

// ErrExpired is returned by Parse when the token timestamp has lapsed.
var ErrExpired = fmt.Errorf("token expired")

// Parse validates a token and returns the embedded pass id and expiry.
// When allowExpired is true, the timestamp check is skipped (used when the
// sweep resolves which pass a stale token belonged to).
func (s *Signer) Parse(token string, allowExpired bool) (passID string, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", time.Time{}, fmt.Errorf("invalid token format")
	}
	passID = parts[0]
	ts := parts[1]
	signature := parts[2]

	expUnix, err := parseUnix(ts)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Unix(expUnix, 0)

	payload := fmt.Sprintf("%s|%s", passID, ts)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", time.Time{}, fmt.Errorf("invalid token signature")
	}
	if !allowExpired && time.Now().After(expiresAt) {
		return "", time.Time{}, ErrExpired
	}
	return passID, expiresAt, nil
}

func parseUnix(raw string) (int64, error) {
	var ts int64
	_, err := fmt.Sscanf(raw, "%d", &ts)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp")
	}
	return ts, nil
}
