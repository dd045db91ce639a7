package chat

import (
	"regexp"
	"strings"
)

// commandPattern matches the in-band search command: the marker, horizontal
// whitespace, then at least one non-whitespace query character. A bare
// ":search" with nothing after it is not a command.
var commandPattern = regexp.MustCompile(`:search[ \t]+\S`)

// queryPattern extracts the query from completed text: everything after the
// marker up to the end of the line.
var queryPattern = regexp.MustCompile(`:search[ \t]+([^\n]+)`)

// carrySize is how many trailing bytes are kept between chunks so a command
// split across chunk boundaries is still detected.
const carrySize = 64

// commandScanner watches a token stream for the search command. Detection
// is a one-shot latch: once triggered, the current and all later chunks are
// suppressed, and the caller parses the authoritative query from the
// completed text with ParseQuery.
type commandScanner struct {
	carry     string
	triggered bool
}

// Scan inspects the next chunk. It returns the text to forward downstream
// (the chunk itself, or empty once the command has been seen) and whether
// the scanner has triggered.
func (s *commandScanner) Scan(chunk string) (forward string, triggered bool) {
	if s.triggered {
		return "", true
	}
	window := s.carry + chunk
	if commandPattern.MatchString(window) {
		s.triggered = true
		return "", true
	}
	if len(window) > carrySize {
		window = window[len(window)-carrySize:]
	}
	s.carry = window
	return chunk, false
}

// Triggered reports whether the command has been seen.
func (s *commandScanner) Triggered() bool {
	return s.triggered
}

// ParseQuery extracts the search query from completed response text.
// The query runs to the end of its line, with surrounding whitespace trimmed.
func ParseQuery(text string) (string, bool) {
	m := queryPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	query := strings.TrimSpace(m[1])
	if query == "" {
		return "", false
	}
	return query, true
}
