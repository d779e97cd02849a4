package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// contextKey is a private type to prevent context key collisions across packages.
type contextKey string

// ContextKeyRequestID stores the unique request identifier (string)
const ContextKeyRequestID contextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the request id set by requestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

// requestIDMiddleware propagates or generates X-Request-ID and logs request
// completion with status and latency.
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		a.logger.Infow("request_completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds())
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriterWrapper) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// sanitizeRequestID keeps alphanumerics, dashes and underscores, at most 64 bytes.
func sanitizeRequestID(id string) string {
	const maxLen = 64
	if len(id) > maxLen {
		id = id[:maxLen]
	}
	result := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '-' || c == '_' {
			result = append(result, c)
		}
	}
	return string(result)
}

// rateLimitMiddleware provides rate limiting per IP
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rps := a.config.API.RateLimit.RequestsPerSecond
		if rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedNetworks)
		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter:  rate.NewLimiter(rate.Limit(rps), max(a.config.API.RateLimit.Burst, 1)),
				lastSeen: time.Now(),
			}
			a.rateLimiters[ip] = entry
		} else {
			entry.lastSeen = time.Now()
		}
		// Capture limiter reference while holding lock; cleanup may delete the entry
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			a.writeJSON(w, http.StatusTooManyRequests, errorResponse{OK: false, Code: "RATE_LIMITED", Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically removes inactive rate limiters and auth failures
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > 1*time.Hour {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()

			a.authFailuresMu.Lock()
			for ip, entry := range a.authFailures {
				if time.Since(entry.lastFail) > 1*time.Hour {
					delete(a.authFailures, ip)
				}
			}
			a.authFailuresMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// corsMiddleware adds CORS headers for configured origins
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if a.config.API.TLS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// basicAuthMiddleware checks HTTP basic credentials against the bcrypt hash
// and blocks an IP for 10 minutes after 5 consecutive failures.
func (a *API) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedNetworks)

		a.authFailuresMu.Lock()
		entry, exists := a.authFailures[ip]
		if exists && entry.count >= 5 && time.Since(entry.lastFail) < 10*time.Minute {
			a.authFailuresMu.Unlock()
			a.logger.Warnw("Too many failed auth attempts", "ip", ip)
			a.writeJSON(w, http.StatusTooManyRequests, errorResponse{OK: false, Code: "RATE_LIMITED", Error: "too many requests"})
			return
		}
		a.authFailuresMu.Unlock()

		username, password, ok := r.BasicAuth()
		if !ok || username != a.config.Auth.Username ||
			bcrypt.CompareHashAndPassword([]byte(a.config.Auth.HashedPassword), []byte(password)) != nil {
			a.authFailuresMu.Lock()
			if e, found := a.authFailures[ip]; found {
				e.count++
				e.lastFail = time.Now()
			} else {
				a.authFailures[ip] = &authFailureEntry{count: 1, lastFail: time.Now()}
			}
			a.authFailuresMu.Unlock()

			a.logger.Warnw("Failed authentication attempt", "ip", ip)
			w.Header().Set("WWW-Authenticate", `Basic realm="rulebox"`)
			a.writeJSON(w, http.StatusUnauthorized, errorResponse{OK: false, Code: "UNAUTHORIZED", Error: "unauthorized"})
			return
		}

		a.authFailuresMu.Lock()
		delete(a.authFailures, ip)
		a.authFailuresMu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// getRealIP extracts the client IP, honoring forwarding headers only for
// connections from a trusted proxy network
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(directIP, trustedNetworks) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one (original client)
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

// isTrustedProxy checks if an IP address is in the list of trusted proxy networks
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}
	return false
}
