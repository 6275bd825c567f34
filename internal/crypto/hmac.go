package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Deposit webhook headers. The deposit watcher signs
// timestamp+method+path+body with the shared secret.
const (
	HeaderTimestamp = "X-Drawsettle-Timestamp"
	HeaderSignature = "X-Drawsettle-Signature"
)

// WebhookAuth signs and verifies deposit notifications.
type WebhookAuth struct {
	Secret  string
	MaxSkew time.Duration
}

// Headers returns the signature headers for a request sent at ts.
func (h *WebhookAuth) Headers(method, path, body string, ts time.Time) map[string]string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return map[string]string{
		HeaderTimestamp: unix,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), unix+method+path+body),
	}
}

// Verify checks the signature and that the timestamp is within MaxSkew of
// now.
func (h *WebhookAuth) Verify(method, path, body, timestamp, signature string, now time.Time) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: webhook timestamp %q: %w", timestamp, domain.ErrUnauthorized)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if h.MaxSkew > 0 && skew > h.MaxSkew {
		return fmt.Errorf("crypto: webhook timestamp skew %s: %w", skew, domain.ErrUnauthorized)
	}
	want := hmacSHA256Base64([]byte(h.Secret), timestamp+method+path+body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("crypto: webhook signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *WebhookAuth) String() string {
	s := "****"
	if len(h.Secret) > 4 {
		s = h.Secret[:4] + "****"
	}
	return fmt.Sprintf("WebhookAuth{secret=%s, max_skew=%s}", s, h.MaxSkew)
}
