package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/metering/internal/quota"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// DailyLimit and DailyRemaining describe the calendar-day quota
	DailyLimit     int64
	DailyRemaining int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// rateLimitInfo extracts the header values from an admission decision.
func rateLimitInfo(res *quota.AdmissionResult) RateLimitInfo {
	info := RateLimitInfo{
		Limit:          res.WindowLimit,
		Remaining:      res.WindowRemaining,
		DailyLimit:     res.DailyLimit,
		DailyRemaining: res.DailyRemaining,
	}
	if !res.ResetAt.IsZero() {
		info.ResetAt = res.ResetAt.Unix()
	}
	if res.RetryAfterSeconds != nil {
		info.RetryAfter = *res.RetryAfterSeconds
	}
	return info
}

// setRateLimitHeaders writes the X-RateLimit-* family. Unavailable results
// carry no trustworthy counts, so only the limits are sent.
func setRateLimitHeaders(w http.ResponseWriter, res *quota.AdmissionResult) {
	info := rateLimitInfo(res)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	h.Set("X-DailyLimit-Limit", strconv.FormatInt(info.DailyLimit, 10))
	if res.Reason == quota.ReasonUnavailable {
		return
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	h.Set("X-DailyLimit-Remaining", strconv.FormatInt(info.DailyRemaining, 10))
	if info.ResetAt > 0 {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
	}
	if info.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(info.RetryAfter, 10))
	}
}

// denialStatus maps a denial reason to its HTTP status. Only store outages
// are 503; both throttling reasons are 429.
func denialStatus(reason string) int {
	if reason == quota.ReasonUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusTooManyRequests
}

// writeDenial renders a denied admission. Headers must already be set.
func (g *Gateway) writeDenial(w http.ResponseWriter, res *quota.AdmissionResult) {
	status := denialStatus(res.Reason)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	body := map[string]interface{}{
		"type":    res.Reason,
		"message": res.Message,
		"code":    string(quota.CodeOf(res.Err())),
	}
	if res.RetryAfterSeconds != nil {
		body["retry_after"] = *res.RetryAfterSeconds
	}
	if !res.ResetAt.IsZero() {
		body["reset_at"] = res.ResetAt.UTC().Format(time.RFC3339)
	}
	g.writeJSON(w, status, map[string]interface{}{"error": body})
}

// retryAfterSeconds rounds the wait until resetAt up to whole seconds.
func retryAfterSeconds(resetAt, now time.Time) int64 {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}
