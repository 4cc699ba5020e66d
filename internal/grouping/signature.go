// Package grouping decides which Problem a notice belongs to.
//
// A notice's fingerprint hashes its App, environment, error class and a
// signature built from the message and the head of the backtrace. The
// signature strips values that vary between occurrences of one bug (object
// addresses, ids, timestamps, numbers) so those occurrences collapse into a
// single Problem.
package grouping

import (
	"regexp"
	"strings"

	"errtally/internal/domain"
)

// Applied in order. Placeholders contain no digits so later rules leave
// them alone.
var messageNoise = []func(string) string{
	// #<User:0x007f9a8c0b1e28 @name="x"> -> #<User>
	replaceAll(`#<([A-Za-z_][A-Za-z0-9_:]*)[:\s][^>]*>`, "#<$1>"),
	replaceAll(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`, "<uuid>"),
	replaceAll(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|\s?[+-]\d{2}:?\d{2})?`, "<time>"),
	replaceAll(`(?i)\b0x[0-9a-f]+\b`, "<addr>"),
	replaceLongHex,
	replaceAll(`\d+`, "N"),
	replaceAll(`\s+`, " "),
}

func replaceAll(pattern, with string) func(string) string {
	re := regexp.MustCompile(pattern)
	return func(s string) string { return re.ReplaceAllString(s, with) }
}

var longHex = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)

// replaceLongHex masks digests and tokens. A run of hex letters with no
// digit is a word and stays.
func replaceLongHex(s string) string {
	return longHex.ReplaceAllStringFunc(s, func(tok string) string {
		if strings.ContainsAny(tok, "0123456789") {
			return "<hex>"
		}
		return tok
	})
}

// NormalizeMessage removes per-occurrence noise from an error message
func NormalizeMessage(msg string) string {
	for _, rule := range messageNoise {
		msg = rule(msg)
	}
	return strings.TrimSpace(msg)
}

// HeadFrame picks the frame that anchors a signature: the first frame in
// the application's own code, else the first frame. ok is false for an
// empty backtrace.
func HeadFrame(backtrace []domain.BacktraceFrame) (domain.BacktraceFrame, bool) {
	if len(backtrace) == 0 {
		return domain.BacktraceFrame{}, false
	}
	for _, f := range backtrace {
		if f.InProject() {
			return f, true
		}
	}
	return backtrace[0], true
}

// Signature summarizes what makes two notices the same error. Line numbers
// are left out so unrelated edits above the failing line keep the grouping.
// Parts are NUL separated; notice text cannot forge a boundary.
func Signature(n *domain.Notice) string {
	parts := []string{n.ErrorClass, NormalizeMessage(n.Message)}
	if f, ok := HeadFrame(n.Backtrace); ok {
		parts = append(parts, f.File, f.Method)
	}
	return strings.Join(parts, "\x00")
}

// Where describes the location of an error for display: the controller and
// action when known, otherwise the head frame.
func Where(n *domain.Notice) string {
	if n.Request.Component != "" {
		if n.Request.Action != "" {
			return n.Request.Component + "#" + n.Request.Action
		}
		return n.Request.Component
	}
	if f, ok := HeadFrame(n.Backtrace); ok {
		if f.Number != "" {
			return f.File + ":" + f.Number
		}
		return f.File
	}
	return ""
}
