// Package cluster groups test failures by normalized message signature and
// analyzes how failures bunch in time.
package cluster

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

const (
	normalizedMaxLen = 300
	signatureBytes   = 16
)

// Failure categories derived from message keywords.
const (
	CategoryTimeout    = "timeout"
	CategoryAssertion  = "assertion"
	CategoryNetwork    = "network"
	CategoryResource   = "resource"
	CategoryDependency = "dependency"
	CategoryUnknown    = "unknown"
)

var (
	reISOTime  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	reUUID     = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reHexAddr  = regexp.MustCompile(`0x[0-9a-f]+`)
	reLongHex  = regexp.MustCompile(`\b[0-9a-f]{16,}\b`)
	reBase64   = regexp.MustCompile(`\b[a-z0-9+/_-]{20,}={0,2}\b`)
	reFileLine = regexp.MustCompile(`(\.[a-z]{1,5}):\d+`)
	reDuration = regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(?:ns|us|µs|ms|s|sec|secs|seconds?|m|min|mins|minutes?|h|hours?)\b`)
	reNumber   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	reSpace    = regexp.MustCompile(`\s+`)
	reDigit    = regexp.MustCompile(`\d`)
)

// Normalize rewrites a failure message so volatile tokens do not split
// otherwise-identical failures: addresses, ids, timestamps, durations,
// line numbers and bare numbers all collapse to placeholders.
func Normalize(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	if s == "" {
		return ""
	}

	s = reISOTime.ReplaceAllString(s, "<time>")
	s = reUUID.ReplaceAllString(s, "<uuid>")
	s = reHexAddr.ReplaceAllString(s, "<addr>")
	s = reLongHex.ReplaceAllString(s, "<hex>")
	// Long alphanumeric runs are only masked when they contain a digit, so
	// ordinary long identifiers survive.
	s = reBase64.ReplaceAllStringFunc(s, func(m string) string {
		if reDigit.MatchString(m) {
			return "<blob>"
		}
		return m
	})
	s = reFileLine.ReplaceAllString(s, "${1}:<line>")
	s = reDuration.ReplaceAllString(s, "<duration>")
	s = reNumber.ReplaceAllString(s, "<n>")
	s = reSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if len(s) > normalizedMaxLen {
		cut := normalizedMaxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// Signature hashes the normalized message to a stable hex id. Empty
// messages produce an empty signature.
func Signature(message string) string {
	norm := Normalize(message)
	if norm == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(norm))
	return fmt.Sprintf("%x", sum[:signatureBytes])
}

// Classify buckets a failure message into a coarse category.
func Classify(message string) string {
	s := strings.ToLower(message)
	switch {
	case containsAny(s, "timeout", "timed out", "deadline exceeded", "wait exceeded", "context canceled"):
		return CategoryTimeout
	case containsAny(s, "connection refused", "connection reset", "econnrefused", "broken pipe", "no route to host", "dns", "tls handshake", "unreachable", "socket"):
		return CategoryNetwork
	case containsAny(s, "out of memory", "oom", "too many open files", "no space left", "cannot allocate", "resource temporarily unavailable", "disk full"):
		return CategoryResource
	case containsAny(s, "could not resolve", "failed to pull", "module not found", "classnotfound", "no such host", "service unavailable", "bad gateway", "registry"):
		return CategoryDependency
	case containsAny(s, "assert", "expected", "should be", "to equal", "mismatch", "but was", "but got"):
		return CategoryAssertion
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// frame heuristics for StackDigest
var (
	reGoFrame   = regexp.MustCompile(`^\s+\S+\.go:\d+`)
	reAtFrame   = regexp.MustCompile(`^\s*at\s+\S+`)
	rePyFrame   = regexp.MustCompile(`^\s*file\s+"`)
	reFrameAddr = regexp.MustCompile(`\s\+0x[0-9a-f]+$`)
)

const maxStackFrames = 5

// StackDigest hashes the top application frames of a stack trace so the
// same crash path matches across runs. Returns empty when the detail text
// has no recognizable stack shape.
func StackDigest(detail string) string {
	frames := topFrames(detail, maxStackFrames)
	if len(frames) == 0 {
		return ""
	}
	sum := blake3.Sum256([]byte(strings.Join(frames, "\n")))
	return fmt.Sprintf("%x", sum[:signatureBytes])
}

func topFrames(detail string, limit int) []string {
	var frames []string
	for _, line := range strings.Split(detail, "\n") {
		if len(frames) >= limit {
			break
		}
		lower := strings.ToLower(line)
		if !isFrameLine(lower) {
			continue
		}
		if isFrameworkFrame(lower) {
			continue
		}
		frame := strings.TrimSpace(lower)
		frame = reFrameAddr.ReplaceAllString(frame, "")
		frame = reFileLine.ReplaceAllString(frame, "${1}:<line>")
		frames = append(frames, frame)
	}
	return frames
}

func isFrameLine(line string) bool {
	return reAtFrame.MatchString(line) || reGoFrame.MatchString(line) || rePyFrame.MatchString(line)
}

func isFrameworkFrame(line string) bool {
	return containsAny(line,
		"runtime.", "testing.", "reflect.call",
		"node_modules/", "internal/process",
		"junit.framework", "org.junit", "jdk.internal", "java.base/",
		"site-packages/", "unittest/case.py",
	)
}
