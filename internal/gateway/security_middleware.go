package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityConfig holds configuration for security middleware
type SecurityConfig struct {
	// HSTSMaxAge is the max-age of the Strict-Transport-Security header in
	// seconds. Zero disables the header.
	HSTSMaxAge int
	// FrameOptions is the X-Frame-Options value (empty = not set)
	FrameOptions string
	// ContentSecurityPolicy is the CSP header value (empty = not set)
	ContentSecurityPolicy string
	ReferrerPolicy        string
	// AllowedHosts is a list of allowed host headers (empty = allow all)
	AllowedHosts []string
}

// DefaultSecurityConfig returns the headers every gateway response carries.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTSMaxAge:            31536000,
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}
}

// isAPIPath reports whether a path serves quota data that must never be
// cached by intermediaries.
func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/admin/") || strings.HasPrefix(path, "/api/")
}

// SecurityMiddleware adds security headers to all responses
func SecurityMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(config.AllowedHosts) > 0 && !hostAllowed(r.Host, config.AllowedHosts) {
				http.Error(w, "Invalid host header", http.StatusBadRequest)
				return
			}

			h := w.Header()
			if config.HSTSMaxAge > 0 {
				h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(config.HSTSMaxAge)+"; includeSubDomains")
			}
			if config.FrameOptions != "" {
				h.Set("X-Frame-Options", config.FrameOptions)
			}
			h.Set("X-Content-Type-Options", "nosniff")
			if config.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", config.ContentSecurityPolicy)
			}
			if config.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", config.ReferrerPolicy)
			}

			// Remaining-quota figures go stale immediately.
			if isAPIPath(r.URL.Path) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hostAllowed(host string, allowed []string) bool {
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

// APISecurityMiddleware rejects non-JSON request bodies on the metered API.
func APISecurityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				contentType := r.Header.Get("Content-Type")
				if contentType != "" && !strings.Contains(contentType, "application/json") {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnsupportedMediaType)
					w.Write([]byte(`{"error":{"message":"Content-Type must be application/json","type":"invalid_request_error"}}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware limits the size of incoming request bodies
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AnonymizeAPIKey masks an API key for logging, showing only prefix
func AnonymizeAPIKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "****"
}
