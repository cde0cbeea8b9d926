// Package health reports the hub's operational state for monitoring and for
// clients deciding whether to trust live reads.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/store"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the hub health payload. Ok is true only when the database is
// healthy and the hub is in normal operating mode.
type Status struct {
	Ok              bool                  `json:"ok"`
	DatabaseStatus  store.DatabaseStatus  `json:"database_status"`
	OperationalMode store.OperationalMode `json:"operational_mode"`
	Epoch           string                `json:"epoch"`
	SchemaVersion   int64                 `json:"schema_version"`
	CacheValid      bool                  `json:"cache_valid"`
	CacheAge        time.Duration         `json:"cache_age,omitempty"`
	Rotation        crypto.RotationStatus `json:"rotation"`
	Message         string                `json:"message,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// IsHealthy returns true if the hub is fully operational.
func (s Status) IsHealthy() bool {
	return s.Ok
}

// IsDegraded returns true if the hub is serving but not in normal mode.
func (s Status) IsDegraded() bool {
	return !s.Ok && s.DatabaseStatus != store.DatabaseCorrupted
}

// sanitizeErrorMessage removes potentially sensitive information from error
// messages before they appear in a health payload.
//
// Sanitization patterns:
//   - URLs (http://, https://, nats://) → [URL]
//   - File paths (Unix: /path/to/file, Windows: C:\path\to\file) → [PATH]
//   - IP addresses (192.168.1.100) → [IP]
//   - Port numbers (:8080) → [PORT]
//   - Credentials (password=X, token=X, key=X, secret=X) → [REDACTED]
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs first, before paths, since they contain paths
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}
