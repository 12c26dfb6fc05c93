package wordcheck

import (
	"io"
	"strings"
	"unicode"
)

// Validator decides whether a single word is a real word.
type Validator interface {
	Check(word string) bool
}

// shortWords are the only tokens of two letters or fewer that pass the gate.
var shortWords = map[string]struct{}{
	"a": {}, "i": {}, "an": {}, "in": {}, "on": {}, "to": {}, "of": {}, "is": {}, "as": {},
	"at": {}, "be": {}, "he": {}, "we": {}, "us": {}, "it": {}, "or": {}, "by": {},
}

// ShortWordLimit is the longest token handled by the short-word allow-list.
const ShortWordLimit = 2

// Normalize lowercases word and strips everything but letters and apostrophes.
func Normalize(word string) string {
	var sb strings.Builder
	sb.Grow(len(word))
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) || r == '\'' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Gate normalizes words before handing them to a backend. Empty tokens fail
// and short tokens are decided by the short-word allow-list alone.
type Gate struct {
	backend Validator
	kind    string
}

// NewGate wraps backend. kind names the backend for logs and status output.
func NewGate(backend Validator, kind string) *Gate {
	return &Gate{backend: backend, kind: kind}
}

// Check reports whether word is valid.
func (g *Gate) Check(word string) bool {
	w := Normalize(word)
	if w == "" {
		return false
	}
	if len([]rune(w)) <= ShortWordLimit {
		_, ok := shortWords[w]
		return ok
	}
	return g.backend.Check(w)
}

// Kind names the backend in use.
func (g *Gate) Kind() string {
	return g.kind
}

// Close releases the backend if it holds resources.
func (g *Gate) Close() error {
	if c, ok := g.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CountValid splits text on whitespace and counts the words v accepts.
func CountValid(v Validator, text string) (valid, total int) {
	for _, w := range strings.Fields(text) {
		total++
		if v.Check(w) {
			valid++
		}
	}
	return valid, total
}
