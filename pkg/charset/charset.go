// Package charset defines the closed character alphabet shared by the
// frequency store, the sequence model and the sampler.
package charset

import "strings"

// Alphabet is the ordered set of symbols every model works with. The index of
// a symbol in this string is its vocabulary id.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ "

// Size is the number of symbols in Alphabet.
const Size = len(Alphabet)

// Space is the padding and fallback symbol.
const Space = ' '

// Index returns the vocabulary id of r, or -1 when r is outside the alphabet.
func Index(r rune) int {
	switch {
	case r >= 'A' && r <= 'Z':
		return int(r - 'A')
	case r == Space:
		return Size - 1
	default:
		return -1
	}
}

// Symbol returns the rune for a vocabulary id.
func Symbol(id int) rune {
	return rune(Alphabet[id])
}

// Valid reports whether r belongs to the alphabet.
func Valid(r rune) bool {
	return Index(r) >= 0
}

// Clean upper-cases s and drops every character outside the alphabet.
// Characters are never substituted, so "a-b" becomes "AB".
func Clean(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if Valid(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Encode maps an already cleaned string to vocabulary ids.
func Encode(s string) []int {
	ids := make([]int, 0, len(s))
	for _, r := range s {
		if id := Index(r); id >= 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Window returns the last n symbols of the cleaned context as ids, left
// padded with spaces when the context is shorter than n.
func Window(context string, n int) []int {
	ids := Encode(Clean(context))
	if len(ids) >= n {
		return ids[len(ids)-n:]
	}
	out := make([]int, n)
	pad := n - len(ids)
	for i := 0; i < pad; i++ {
		out[i] = Size - 1
	}
	copy(out[pad:], ids)
	return out
}
