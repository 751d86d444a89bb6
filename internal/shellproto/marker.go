package shellproto

import (
	"bytes"
	"strconv"
)

const markerPrefix = "__VMRUNNER_EXIT_"

// markerToken is what the shell prints, immediately followed by the exit
// status digits, once the command with the given id has finished.
func markerToken(id string) []byte {
	return []byte(markerPrefix + id + "__:")
}

// exitScanner separates a command's output from its exit marker. Bytes that
// could be the start of a marker are held back until they can be decided.
type exitScanner struct {
	token   []byte
	pending []byte
}

func newExitScanner(id string) *exitScanner {
	return &exitScanner{token: markerToken(id)}
}

// feed consumes b and returns the bytes that are command output. When the
// marker is complete it also returns the exit status and done=true; anything
// after the marker line is left in rest.
func (s *exitScanner) feed(b []byte) (out []byte, status int, done bool, rest []byte) {
	s.pending = append(s.pending, b...)
	for {
		idx := bytes.Index(s.pending, s.token)
		if idx < 0 {
			n := len(s.pending) - partialSuffixLen(s.pending, s.token)
			out = append(out, s.pending[:n]...)
			s.pending = append(s.pending[:0], s.pending[n:]...)
			return out, 0, false, nil
		}
		after := s.pending[idx+len(s.token):]
		digits := 0
		for digits < len(after) && after[digits] >= '0' && after[digits] <= '9' {
			digits++
		}
		if digits == len(after) {
			// Status may still be arriving.
			out = append(out, s.pending[:idx]...)
			s.pending = append(s.pending[:0], s.pending[idx:]...)
			return out, 0, false, nil
		}
		if digits == 0 {
			// The token without a status, e.g. a terminal echoing the marker
			// command itself. Treat it as output.
			cut := idx + len(s.token)
			out = append(out, s.pending[:cut]...)
			s.pending = append(s.pending[:0], s.pending[cut:]...)
			continue
		}
		code, err := strconv.Atoi(string(after[:digits]))
		if err != nil {
			code = -1
		}
		out = append(out, s.pending[:idx]...)
		tail := after[digits:]
		tail = bytes.TrimPrefix(tail, []byte("\r"))
		tail = bytes.TrimPrefix(tail, []byte("\n"))
		rest = append([]byte(nil), tail...)
		s.pending = s.pending[:0]
		return out, code, true, rest
	}
}

// drain returns whatever is held back.
func (s *exitScanner) drain() []byte {
	out := append([]byte(nil), s.pending...)
	s.pending = s.pending[:0]
	return out
}

// partialSuffixLen is the length of the longest suffix of b that is a proper
// prefix of token.
func partialSuffixLen(b, token []byte) int {
	max := len(token) - 1
	if max > len(b) {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if bytes.HasPrefix(token, b[len(b)-n:]) {
			return n
		}
	}
	return 0
}
