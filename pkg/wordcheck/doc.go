// Package wordcheck decides whether generated tokens are real words. One
// backend is chosen at startup (a dictionary word list, a word frequency
// database, or a built-in allow-list) and always used through a Gate, which
// normalizes tokens and settles very short ones itself.
package wordcheck
