// Package security provides the protective plumbing shared by the
// authorization server, the resource guard and the client credential store.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate).
// Buckets live in a ttlcache: idle identifiers expire after IdleTimeout and
// the cache is capped at MaxEntries, evicting the least recently used
// identifier first, so a flood of one-shot source addresses cannot grow
// memory without bound.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.AllowWithRetry(clientIP); !ok {
//		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
//		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
//		return
//	}
//
// ClientRegistrationRateLimiter is a sliding-window quota for dynamic client
// registration (default 10 registrations per IP per hour).
//
// # Audit
//
// Auditor writes security events as structured slog records. User IDs are
// hashed before they are logged; tokens and secrets are never logged.
//
// # Encryption
//
// Encryptor seals individual values with AES-256-GCM. The client credential
// store uses it for secrets and tokens at rest.
package security
