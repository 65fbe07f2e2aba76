package ingestion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	WebhookSignatureHeader = "X-Webhook-Signature"
	WebhookTimestampHeader = "X-Webhook-Timestamp"
	defaultWebhookMaxSkew  = 5 * time.Minute
)

var (
	ErrWebhookUnsigned  = errors.New("missing webhook signature headers")
	ErrWebhookTimestamp = errors.New("invalid webhook timestamp")
	ErrWebhookStale     = errors.New("webhook outside replay window")
	ErrWebhookSignature = errors.New("webhook signature mismatch")
	ErrWebhookReplay    = errors.New("webhook replayed")
)

// WebhookVerifier checks worker callbacks: hex HMAC-SHA256 over
// timestamp + "\n" + body, a bounded clock skew, and single use of each signature.
type WebhookVerifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// Enabled reports whether a secret is configured.
func (v *WebhookVerifier) Enabled() bool {
	return v != nil && strings.TrimSpace(v.Secret) != ""
}

// Verify validates one delivery. A disabled verifier accepts everything.
func (v *WebhookVerifier) Verify(timestamp, signature string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.ToLower(strings.TrimSpace(signature))
	if timestamp == "" || signature == "" {
		return ErrWebhookUnsigned
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrWebhookTimestamp
	}
	now := v.now()
	window := v.window()
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return ErrWebhookStale
	}

	expected := SignWebhook(v.Secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrWebhookSignature
	}
	if !v.markSeen(timestamp+"|"+signature, now, window) {
		return ErrWebhookReplay
	}
	return nil
}

// SignWebhook returns the hex signature a worker must send for body.
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *WebhookVerifier) markSeen(key string, now time.Time, window time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen == nil {
		v.seen = make(map[string]time.Time)
	}
	for k, expiresAt := range v.seen {
		if !now.Before(expiresAt) {
			delete(v.seen, k)
		}
	}
	if expiresAt, ok := v.seen[key]; ok && now.Before(expiresAt) {
		return false
	}
	// Stale timestamps are rejected before this point, so 2*window covers any
	// signature that could still pass the skew check.
	v.seen[key] = now.Add(2 * window)
	return true
}

func (v *WebhookVerifier) window() time.Duration {
	if v.MaxSkew <= 0 {
		return defaultWebhookMaxSkew
	}
	return v.MaxSkew
}

func (v *WebhookVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
