package shell

import (
	"strings"
	"unicode/utf8"
)

// Command is one or more shell lines submitted as a single script.
type Command []string

// String joins the lines the way they are sent to the shell.
func (c Command) String() string { return strings.Join(c, "\n") }

// Echoize renders lines into one script in which every line is preceded by an
// echo of "$ <line>", so the output stream reads like a terminal transcript.
func Echoize(lines ...string) string {
	out := make([]string, 0, len(lines)*2)
	for _, line := range lines {
		out = append(out, "echo "+escapeEcho("$ "+line), line)
	}
	return strings.Join(out, "\n")
}

// escapeEcho backslash-escapes every ASCII character outside a small safe set
// ("$", space and "=" included), so the echo statement prints the line
// literally and never runs any part of it.
func escapeEcho(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/2)
	for _, r := range s {
		if r < utf8.RuneSelf && !echoSafe(byte(r)) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func echoSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("._/:@%+,-", c) >= 0
}
