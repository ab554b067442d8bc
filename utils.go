// utils.go
package federation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// -----------------------------
// Context helpers for the authenticated user
// -----------------------------

type ctxKeyUserID struct{}

func SetUserContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, userID)
}

func GetUserIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKeyUserID{}).(string)
	return uid, ok
}

// -----------------------------
// Parse helpers
// -----------------------------

func parseID(s string) string {
	return strings.TrimSpace(s)
}

// parseTimeRange reads ?start= and ?end= in RFC3339; defaults to today -> +7 days.
func parseTimeRange(r *http.Request) (time.Time, time.Time) {
	q := r.URL.Query()
	now := time.Now().UTC()

	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	if s := q.Get("start"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			start = t
		}
	}
	if s := q.Get("end"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			end = t
		}
	}
	return start, end
}

// -----------------------------
// HMAC helpers
// -----------------------------

// computeHMACSHA256Hex returns the hex-encoded HMAC-SHA256 of body under
// secret; verifyHMACSHA256Hex checks such a signature in constant time.
func computeHMACSHA256Hex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMACSHA256Hex(body []byte, secret, hexSig string) bool {
	expect := computeHMACSHA256Hex(body, secret)
	return hmac.Equal([]byte(expect), []byte(hexSig))
}
