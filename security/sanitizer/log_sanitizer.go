// Package sanitizer masks connector credentials and other secrets before they
// reach the log stream. It is used as a slog ReplaceAttr hook by the logger
// package and can sanitize connector payloads before they are tracked.
package sanitizer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// SecretType identifies the kind of secret a pattern detects
type SecretType string

const (
	TypeSlackToken  SecretType = "slack_token"
	TypeGoogleToken SecretType = "google_token"
	TypeNotionToken SecretType = "notion_token"
	TypeTwilioSID   SecretType = "twilio_sid"
	TypeBearer      SecretType = "access_token"
	TypeAPIKey      SecretType = "api_key"
	TypeJWT         SecretType = "jwt"
	TypePassword    SecretType = "password"
	TypePrivateKey  SecretType = "private_key"
	TypeEmail       SecretType = "email"
)

// Pattern pairs a detector with the label used in its replacement
type Pattern struct {
	Type        SecretType
	Regex       *regexp.Regexp
	Replacement string
}

// Config holds sanitizer configuration
type Config struct {
	Enabled        bool
	RedactEmails   bool              // Emails are kept by default, they are routine in action configs
	ShowType       bool              // Show the secret type in replacement, e.g. [REDACTED:slack_token]
	CustomPatterns map[string]string // name -> regex pattern
}

// LogSanitizer masks secrets in free text
type LogSanitizer struct {
	mu       sync.RWMutex
	enabled  bool
	showType bool
	patterns []*Pattern

	logsProcessed uint64
	dataRedacted  uint64
}

var defaultPatterns = []Pattern{
	{TypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----[\s\S]+?-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----`), "private_key"},
	{TypeSlackToken, regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`), "slack_token"},
	{TypeGoogleToken, regexp.MustCompile(`\bya29\.[0-9A-Za-z_\-]+`), "google_token"},
	{TypeNotionToken, regexp.MustCompile(`\b(?:secret|ntn)_[A-Za-z0-9]{20,}`), "notion_token"},
	{TypeTwilioSID, regexp.MustCompile(`\bAC[0-9a-fA-F]{32}\b`), "twilio_sid"},
	{TypeBearer, regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`), "access_token"},
	{TypeAPIKey, regexp.MustCompile(`(?i)(?:api[_-]?key|access[_-]?token|auth[_-]?token|signing[_-]?secret)[\s:=]+["']?[a-zA-Z0-9_\-]{16,}["']?`), "api_key"},
	{TypeJWT, regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), "jwt"},
	{TypePassword, regexp.MustCompile(`(?i)(?:password|passwd|pwd)[\s:=]+["']?[^\s"']{4,}["']?`), "password"},
}

var emailPattern = Pattern{TypeEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "email"}

// NewLogSanitizer creates a sanitizer. A nil config enables the default
// secret patterns with typed replacements.
func NewLogSanitizer(config *Config) *LogSanitizer {
	if config == nil {
		config = &Config{Enabled: true, ShowType: true}
	}

	ls := &LogSanitizer{
		enabled:  config.Enabled,
		showType: config.ShowType,
	}
	for i := range defaultPatterns {
		p := defaultPatterns[i]
		ls.patterns = append(ls.patterns, &p)
	}
	if config.RedactEmails {
		p := emailPattern
		ls.patterns = append(ls.patterns, &p)
	}
	for name, expr := range config.CustomPatterns {
		if compiled, err := regexp.Compile(expr); err == nil {
			ls.patterns = append(ls.patterns, &Pattern{
				Type:        SecretType("custom_" + name),
				Regex:       compiled,
				Replacement: name,
			})
		}
	}
	return ls
}

// Sanitize returns msg with every detected secret masked
func (ls *LogSanitizer) Sanitize(msg string) string {
	ls.mu.RLock()
	enabled, patterns := ls.enabled, ls.patterns
	ls.mu.RUnlock()
	if !enabled || msg == "" {
		return msg
	}

	atomic.AddUint64(&ls.logsProcessed, 1)
	var redacted uint64
	for _, p := range patterns {
		if !p.Regex.MatchString(msg) {
			continue
		}
		msg = p.Regex.ReplaceAllStringFunc(msg, func(string) string {
			redacted++
			return ls.mask(p)
		})
	}
	if redacted > 0 {
		atomic.AddUint64(&ls.dataRedacted, redacted)
	}
	return msg
}

func (ls *LogSanitizer) mask(p *Pattern) string {
	if ls.showType {
		return fmt.Sprintf("[REDACTED:%s]", p.Replacement)
	}
	return "[REDACTED]"
}

// SanitizeMap sanitizes every string value of m, recursing into nested maps
// and slices. The input is not modified.
func (ls *LogSanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = ls.sanitizeValue(v)
	}
	return out
}

// SanitizeStrings sanitizes every value of a flat string map
func (ls *LogSanitizer) SanitizeStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ls.Sanitize(v)
	}
	return out
}

func (ls *LogSanitizer) sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return ls.Sanitize(val)
	case map[string]interface{}:
		return ls.SanitizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = ls.sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// AddCustomPattern registers an extra detector at runtime
func (ls *LogSanitizer) AddCustomPattern(name, expr string) error {
	compiled, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	patterns := make([]*Pattern, 0, len(ls.patterns)+1)
	patterns = append(patterns, ls.patterns...)
	ls.patterns = append(patterns, &Pattern{
		Type:        SecretType("custom_" + name),
		Regex:       compiled,
		Replacement: name,
	})
	return nil
}

// ShouldSanitize reports whether msg contains anything a pattern detects
func (ls *LogSanitizer) ShouldSanitize(msg string) bool {
	ls.mu.RLock()
	enabled, patterns := ls.enabled, ls.patterns
	ls.mu.RUnlock()
	if !enabled || strings.TrimSpace(msg) == "" {
		return false
	}
	for _, p := range patterns {
		if p.Regex.MatchString(msg) {
			return true
		}
	}
	return false
}

func (ls *LogSanitizer) SetEnabled(enabled bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.enabled = enabled
}

// GetMetrics returns how many messages were processed and how many secrets masked
func (ls *LogSanitizer) GetMetrics() (processed, redacted uint64) {
	return atomic.LoadUint64(&ls.logsProcessed), atomic.LoadUint64(&ls.dataRedacted)
}
