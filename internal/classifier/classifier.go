// Package classifier collapses repeated build failures into canonical
// identities. Raw step output is normalized (numbers, filesystem paths,
// and whitespace carry no identity), fingerprinted, and bucketed into a
// coarse category for dashboards.
package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	numericRun = regexp.MustCompile(`\b\d+\b`)
	pathRun    = regexp.MustCompile(`/[a-zA-Z0-9_./-]+`)
)

// Classification is the result of running raw step output through the
// full pipeline.
type Classification struct {
	Normalized  string
	Fingerprint string
	Category    string
	Title       string
}

// Classify runs the full pipeline on raw step output.
func Classify(raw string) Classification {
	normalized := Normalize(raw)
	return Classification{
		Normalized:  normalized,
		Fingerprint: Fingerprint(normalized),
		Category:    Categorize(raw),
		Title:       Title(raw),
	}
}

// Normalize strips the volatile parts of error text: standalone decimal
// runs become N, absolute paths become PATH, and whitespace collapses to
// single spaces. Idempotent.
func Normalize(text string) string {
	text = numericRun.ReplaceAllString(text, "N")
	text = pathRun.ReplaceAllString(text, "PATH")
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint returns the hex-encoded first 16 bytes of the SHA-256 of
// normalized text. Stable across runs and machines.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Category needles, checked in order; the first hit wins.
var categories = []struct {
	name    string
	needles []string
}{
	{"compile", []string{"compile", "cannot find", "expected"}},
	{"test", []string{"test", "assertion", "panicked"}},
	{"lint", []string{"lint", "clippy", "warning"}},
	{"timeout", []string{"timeout", "timed out"}},
}

// Categorize buckets raw error text by case-insensitive substring match.
// Text matching nothing lands in runtime.
func Categorize(text string) string {
	lower := strings.ToLower(text)
	for _, c := range categories {
		for _, needle := range c.needles {
			if strings.Contains(lower, needle) {
				return c.name
			}
		}
	}
	return "runtime"
}

// Title extracts the first line of raw text, truncated to 200 characters.
func Title(raw string) string {
	line, _, _ := strings.Cut(raw, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return "Unknown error"
	}
	runes := []rune(line)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return line
}
