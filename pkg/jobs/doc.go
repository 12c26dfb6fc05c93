// Package jobs runs training work in the background on a small fixed pool and
// lets callers poll each job by id. Every job ends in success or error; its
// progress never goes backwards and reaches 100 only on success.
package jobs
