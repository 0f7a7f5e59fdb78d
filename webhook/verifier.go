// Package webhook authenticates gateway notifications and applies their
// effects to local orders.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"order-svc/models"
)

const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	secretPrefix     = "whsec_"
	signatureVersion = "v1"
)

// Verifier checks Standard Webhooks signatures:
// base64(HMAC-SHA256(secret, id + "." + timestamp + "." + body)).
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier accepts either a raw secret or a "whsec_" prefixed base64 one.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	key := []byte(secret)
	if strings.HasPrefix(secret, secretPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
		if err != nil {
			return nil, fmt.Errorf("failed to decode webhook secret: %w", err)
		}
		key = decoded
	}
	return &Verifier{secret: key, tolerance: tolerance, now: time.Now}, nil
}

// Verify authenticates one delivery. The signature header may carry several
// space separated "v1,<sig>" entries; any match is accepted. A correctly
// signed delivery whose timestamp is outside the tolerance is a replay.
func (v *Verifier) Verify(id, timestamp, signatures string, body []byte) error {
	if id == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing webhook headers", models.ErrInvalidSignature)
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", models.ErrInvalidSignature, timestamp)
	}

	expected := []byte(v.Sign(id, timestamp, body))
	matched := false
	for _, entry := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != signatureVersion {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			matched = true
			break
		}
	}
	if !matched {
		return models.ErrInvalidSignature
	}

	skew := v.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: timestamp %s is %s away", models.ErrReplayDetected, timestamp, skew.Round(time.Second))
	}
	return nil
}

// Sign returns the base64 signature for a delivery, without the version tag.
func (v *Verifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
