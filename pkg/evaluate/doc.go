// Package evaluate measures generation quality by Monte Carlo sampling: it
// generates many samples, scores the share of real words in each and keeps
// summary statistics, a fixed 4-point histogram and a few representative
// samples.
package evaluate
