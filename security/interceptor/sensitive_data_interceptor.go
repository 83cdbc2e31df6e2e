// Package interceptor finds secrets in run step outputs before the tracker
// stores them. Matches are sealed with the credential encryption service
// when one is configured and masked otherwise.
package interceptor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/security/encryption"
	"github.com/bytedance/sonic"
)

// PatternType identifies a detector
type PatternType string

const (
	PatternAPIKey     PatternType = "api_key"
	PatternBearer     PatternType = "bearer"
	PatternJWT        PatternType = "jwt"
	PatternSlackToken PatternType = "slack_token"
	PatternCreditCard PatternType = "credit_card"
	PatternEmail      PatternType = "email"
	PatternPhone      PatternType = "phone"
)

// DefaultPatterns are enabled when Config.Patterns is empty. Emails and
// phone numbers are ordinary workflow data and stay opt-in.
var DefaultPatterns = []PatternType{PatternAPIKey, PatternBearer, PatternJWT, PatternSlackToken, PatternCreditCard}

type detector struct {
	Type    PatternType
	Pattern *regexp.Regexp
	// group holds the secret part of the match, 0 for the whole match
	group int
	valid func(string) bool
}

var detectors = map[PatternType]detector{
	PatternAPIKey: {
		Type:    PatternAPIKey,
		Pattern: regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token|secret)['"]?\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})`),
		group:   1,
	},
	PatternBearer: {
		Type:    PatternBearer,
		Pattern: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{16,})`),
		group:   1,
	},
	PatternJWT: {
		Type:    PatternJWT,
		Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
	},
	PatternSlackToken: {
		Type:    PatternSlackToken,
		Pattern: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`),
	},
	PatternCreditCard: {
		Type:    PatternCreditCard,
		Pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		valid:   luhn,
	},
	PatternEmail: {
		Type:    PatternEmail,
		Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	PatternPhone: {
		Type:    PatternPhone,
		Pattern: regexp.MustCompile(`\+[1-9]\d{7,14}\b`),
	},
}

// Detection is one secret found in a value. The value itself is never kept.
type Detection struct {
	Type  PatternType `json:"type"`
	Field string      `json:"field"`
}

type Config struct {
	Enabled  bool
	Patterns []PatternType
}

// ParsePatterns reads a comma separated list of detector names. Unknown
// names are an error.
func ParsePatterns(csv string) ([]PatternType, error) {
	var out []PatternType
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := detectors[PatternType(name)]; !ok {
			return nil, fmt.Errorf("unknown redact pattern %q", name)
		}
		out = append(out, PatternType(name))
	}
	return out, nil
}

// SensitiveDataInterceptor replaces secrets in step outputs.
type SensitiveDataInterceptor struct {
	enc       *encryption.EncryptionService
	mu        sync.RWMutex
	detectors []detector
	enabled   atomic.Bool

	detectionCount atomic.Uint64
	sealCount      atomic.Uint64
}

func NewSensitiveDataInterceptor(enc *encryption.EncryptionService, config *Config) *SensitiveDataInterceptor {
	if config == nil {
		config = &Config{Enabled: true}
	}
	patterns := config.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	sdi := &SensitiveDataInterceptor{enc: enc}
	for _, p := range patterns {
		if d, ok := detectors[p]; ok {
			sdi.detectors = append(sdi.detectors, d)
		}
	}
	sdi.enabled.Store(config.Enabled)
	return sdi
}

// AddCustomPattern registers an extra detector. The whole match is treated
// as the secret.
func (sdi *SensitiveDataInterceptor) AddCustomPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	sdi.mu.Lock()
	defer sdi.mu.Unlock()
	sdi.detectors = append(sdi.detectors, detector{Type: PatternType(name), Pattern: re})
	return nil
}

func (sdi *SensitiveDataInterceptor) SetEnabled(enabled bool) {
	sdi.enabled.Store(enabled)
}

// GetMetrics returns how many secrets were found and how many were sealed.
func (sdi *SensitiveDataInterceptor) GetMetrics() (detections, sealed uint64) {
	return sdi.detectionCount.Load(), sdi.sealCount.Load()
}

// ProcessString replaces every secret in s. sealContext binds sealed values
// to where they were found.
func (sdi *SensitiveDataInterceptor) ProcessString(s, sealContext string) (string, []PatternType) {
	if !sdi.enabled.Load() || s == "" {
		return s, nil
	}
	sdi.mu.RLock()
	dets := sdi.detectors
	sdi.mu.RUnlock()

	var found []PatternType
	for _, d := range dets {
		s = d.Pattern.ReplaceAllStringFunc(s, func(match string) string {
			secret := match
			if d.group > 0 {
				sub := d.Pattern.FindStringSubmatch(match)
				if len(sub) <= d.group || sub[d.group] == "" {
					return match
				}
				secret = sub[d.group]
			}
			if d.valid != nil && !d.valid(secret) {
				return match
			}
			found = append(found, d.Type)
			sdi.detectionCount.Add(1)
			return strings.Replace(match, secret, sdi.replacement(d.Type, secret, sealContext), 1)
		})
	}
	return s, found
}

func (sdi *SensitiveDataInterceptor) replacement(t PatternType, secret, sealContext string) string {
	if sdi.enc != nil {
		sealed, err := sdi.enc.Seal(secret, sealContext)
		if err == nil {
			sdi.sealCount.Add(1)
			return "[SEALED:" + string(t) + ":" + sealed + "]"
		}
		logger.Warn("interceptor: seal failed, masking", logger.Err(err))
	}
	return "[REDACTED:" + string(t) + "]"
}

// ProcessOutputs returns a copy of outputs with secrets replaced.
func (sdi *SensitiveDataInterceptor) ProcessOutputs(outputs map[string]string, sealContext string) (map[string]string, []Detection) {
	if len(outputs) == 0 {
		return outputs, nil
	}
	out := make(map[string]string, len(outputs))
	var detections []Detection
	for k, v := range outputs {
		cleaned, found := sdi.ProcessString(v, sealContext)
		for _, t := range found {
			detections = append(detections, Detection{Type: t, Field: k})
		}
		out[k] = cleaned
	}
	return out, detections
}

// Writer wraps next so every entry is cleaned before it is written.
func (sdi *SensitiveDataInterceptor) Writer(next engine.StepWriter) engine.StepWriter {
	return &redactingWriter{sdi: sdi, next: next}
}

type redactingWriter struct {
	sdi  *SensitiveDataInterceptor
	next engine.StepWriter
}

func (w *redactingWriter) WriteSteps(ctx context.Context, entries []engine.TrackerEntry) error {
	if !w.sdi.enabled.Load() {
		return w.next.WriteSteps(ctx, entries)
	}
	cleaned := make([]engine.TrackerEntry, len(entries))
	for i, e := range entries {
		sealContext := e.RunID + "/" + e.NodeID
		if len(e.Outputs) > 0 {
			var outputs map[string]string
			if err := sonic.Unmarshal(e.Outputs, &outputs); err == nil {
				clean, detections := w.sdi.ProcessOutputs(outputs, sealContext)
				if len(detections) > 0 {
					logger.Verbose("step outputs redacted", "run", e.RunID, "node", e.NodeID, "count", len(detections))
					if data, err := sonic.Marshal(clean); err == nil {
						e.Outputs = data
					}
				}
			} else {
				s, _ := w.sdi.ProcessString(string(e.Outputs), sealContext)
				e.Outputs = []byte(s)
			}
		}
		e.Error, _ = w.sdi.ProcessString(e.Error, sealContext)
		cleaned[i] = e
	}
	return w.next.WriteSteps(ctx, cleaned)
}

func luhn(number string) bool {
	digits := strings.NewReplacer(" ", "", "-", "").Replace(number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
