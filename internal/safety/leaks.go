// Package safety scans fetched content for leaked credentials before it
// enters findings, reports, or long-term memory. Redaction here is about
// material the daemon gathered, not its own secrets; those are handled by
// the logging layer.
package safety

import (
	"regexp"
	"strings"
)

// LeakWarning describes one detected secret in gathered content.
type LeakWarning struct {
	// Pattern names the matched secret class.
	Pattern string
	// Sample is a truncated prefix of the match, safe to log.
	Sample string
}

const redactedMarker = "[REDACTED]"

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks content for leaked secrets without modifying it.
func Scan(content string) []LeakWarning {
	if content == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		// Cap per pattern; one warning class is enough to act on.
		for _, match := range pat.re.FindAllString(content, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}

// Scrub replaces every detected secret with a redaction marker and returns
// the warnings that triggered replacement. Content without leaks is returned
// unchanged.
func Scrub(content string) (string, []LeakWarning) {
	warnings := Scan(content)
	if len(warnings) == 0 {
		return content, nil
	}
	for _, pat := range leakPatterns {
		content = pat.re.ReplaceAllString(content, redactedMarker)
	}
	return content, warnings
}

// Describe summarizes warnings for a log line.
func Describe(warnings []LeakWarning) string {
	if len(warnings) == 0 {
		return ""
	}
	parts := make([]string, 0, len(warnings))
	for _, w := range warnings {
		parts = append(parts, w.Pattern)
	}
	return strings.Join(parts, ", ")
}
